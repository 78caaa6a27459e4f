package core

import (
	"strconv"
	"strings"
)

// PromptVars are the values substituted into a system prompt template.
type PromptVars struct {
	QuestionID    string
	Category      string
	Iteration     int
	MaxIterations int
}

// RenderSystemPrompt substitutes {question_id}, {category}, {iteration} and
// {max_iterations}. Unknown placeholders are left as written.
func RenderSystemPrompt(template string, vars PromptVars) string {
	if !strings.Contains(template, "{") {
		return template
	}

	rendered := template
	rendered = strings.ReplaceAll(rendered, "{question_id}", vars.QuestionID)
	rendered = strings.ReplaceAll(rendered, "{category}", vars.Category)
	rendered = strings.ReplaceAll(rendered, "{iteration}", strconv.Itoa(vars.Iteration))
	rendered = strings.ReplaceAll(rendered, "{max_iterations}", strconv.Itoa(vars.MaxIterations))
	return rendered
}
