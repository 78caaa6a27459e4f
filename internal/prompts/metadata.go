package prompts

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metadata is the optional header of a question file.
type Metadata struct {
	Category Category `yaml:"category,omitempty"`
}

const frontMatterDelim = "---"

var categoryLineRe = regexp.MustCompile(`(?i)^\s*category\s*:\s*([a-z]+)\s*$`)

// parseDocument splits a question file into metadata and body. Two header
// forms are recognized: a YAML front-matter block delimited by "---" lines,
// or a single leading "category: <tag>" line.
func parseDocument(raw string) (Metadata, string, error) {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")

	if strings.HasPrefix(text, frontMatterDelim+"\n") {
		rest := text[len(frontMatterDelim)+1:]
		end := strings.Index(rest, "\n"+frontMatterDelim)
		if end >= 0 {
			header := rest[:end]
			body := rest[end+len(frontMatterDelim)+1:]
			if nl := strings.IndexByte(body, '\n'); nl >= 0 {
				body = body[nl+1:]
			} else {
				body = ""
			}

			var meta Metadata
			if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
				return Metadata{}, "", fmt.Errorf("parse front matter: %w", err)
			}
			meta.Category = normalizeCategory(meta.Category)
			return meta, body, nil
		}
	}

	first, body, _ := strings.Cut(text, "\n")
	if match := categoryLineRe.FindStringSubmatch(first); match != nil {
		return Metadata{Category: normalizeCategory(Category(match[1]))}, body, nil
	}

	return Metadata{}, text, nil
}

func normalizeCategory(c Category) Category {
	return Category(strings.ToLower(strings.TrimSpace(string(c))))
}

// renderDocument is the inverse of parseDocument for files written by Seed.
func renderDocument(meta Metadata, body string) (string, error) {
	if meta.Category == "" {
		return body, nil
	}
	header, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}
	return frontMatterDelim + "\n" + string(header) + frontMatterDelim + "\n" + body, nil
}
