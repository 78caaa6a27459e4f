package core

import (
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// Phase identifies what a ProgressUpdate reports.
type Phase string

const (
	PhaseQuestionStarted  Phase = "question_started"
	PhaseIteration        Phase = "iteration"
	PhaseIterationFailed  Phase = "iteration_failed"
	PhaseQuestionFinished Phase = "question_finished"
	PhaseLoadFailed       Phase = "load_failed"
	PhaseWriteFailed      Phase = "write_failed"
)

// ProgressUpdate is emitted synchronously from the evaluation loop.
// Position is the 1-based index of the question within the batch.
type ProgressUpdate struct {
	RunID         string
	Phase         Phase
	QuestionID    string
	Position      int
	Total         int
	Iteration     int
	MaxIterations int
	Duration      time.Duration
	Incomplete    bool
	Err           error
}

type ProgressCallback func(update ProgressUpdate)

// Preview flattens whitespace and truncates s to width display cells.
func Preview(s string, width int) string {
	flat := strings.Join(strings.Fields(s), " ")
	if width <= 0 || runewidth.StringWidth(flat) <= width {
		return flat
	}
	return runewidth.Truncate(flat, width, "...")
}
