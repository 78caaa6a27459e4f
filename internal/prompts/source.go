// Package prompts loads benchmark questions from a directory.
//
// A directory holds one question per recognized entry: a .txt or .md file,
// or a subdirectory containing question.txt. Entries are visited in
// lexicographic order so repeated runs see the same sequence.
package prompts

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Category tags the kind of benchmark a question belongs to.
type Category string

const (
	CategoryReasoning     Category = "reasoning"
	CategoryMath          Category = "math"
	CategoryHallucination Category = "hallucination"
)

// NestedQuestionFile is the file looked up inside question subdirectories.
const NestedQuestionFile = "question.txt"

var validate = validator.New()

// Question is one benchmark prompt. It is never mutated after loading.
type Question struct {
	ID       string   `json:"id" validate:"required"`
	Text     string   `json:"text" validate:"required"`
	Category Category `json:"category,omitempty" validate:"omitempty,oneof=reasoning math hallucination"`
	File     string   `json:"file" validate:"required"`
}

// LoadError reports a missing or empty question directory, or an entry
// that could not be read or parsed.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load questions from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

var (
	ErrNoQuestions   = errors.New("no .txt or .md question files found")
	ErrEmptyQuestion = errors.New("question text is empty")
)

// Options controls how question files are turned into Questions.
type Options struct {
	StripCodeBlocks bool
	StripHTML       bool
}

type entry struct {
	id   string
	name string
	file string
	path string
}

// Source is a finite, restartable sequence of questions. Only the directory
// listing is held in memory; file contents are read as the sequence advances.
type Source struct {
	dir     string
	opts    Options
	entries []entry
}

// Open scans dir for recognized question entries.
func Open(dir string, opts Options) (*Source, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &LoadError{Path: dir, Err: errors.New("questions directory is required")}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{Path: dir, Err: errors.New("not a directory")}
	}

	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Err: err}
	}

	entries := make([]entry, 0, len(items))
	for _, item := range items {
		name := item.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		if item.IsDir() {
			nested := filepath.Join(path, NestedQuestionFile)
			if fi, err := os.Stat(nested); err == nil && fi.Mode().IsRegular() {
				entries = append(entries, entry{id: name, name: name, file: filepath.Join(name, NestedQuestionFile), path: nested})
			}
			continue
		}

		if !isQuestionFile(name) {
			continue
		}
		entries = append(entries, entry{
			id:   strings.TrimSuffix(name, filepath.Ext(name)),
			name: name,
			file: name,
			path: path,
		})
	}

	if len(entries) == 0 {
		return nil, &LoadError{Path: dir, Err: ErrNoQuestions}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})

	return &Source{dir: dir, opts: opts, entries: entries}, nil
}

func isQuestionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md":
		return true
	default:
		return false
	}
}

// Dir returns the directory the source was opened on.
func (s *Source) Dir() string {
	return s.dir
}

// Len returns the number of recognized entries.
func (s *Source) Len() int {
	return len(s.entries)
}

// All yields every question in order. Each call starts from the first
// entry. An entry that fails to load yields a zero Question and a *LoadError;
// iteration continues with the next entry unless the caller stops.
func (s *Source) All() iter.Seq2[Question, error] {
	return func(yield func(Question, error) bool) {
		for _, e := range s.entries {
			q, err := s.load(e)
			if !yield(q, err) {
				return
			}
		}
	}
}

// IDs returns the question identifiers in iteration order.
func (s *Source) IDs() []string {
	ids := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		ids = append(ids, e.id)
	}
	return ids
}

func (s *Source) load(e entry) (Question, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return Question{}, &LoadError{Path: e.path, Err: err}
	}

	meta, body, err := parseDocument(string(data))
	if err != nil {
		return Question{}, &LoadError{Path: e.path, Err: err}
	}

	if s.opts.StripCodeBlocks || s.opts.StripHTML {
		body = Preprocess(body, s.opts)
	}

	q := Question{
		ID:       e.id,
		Text:     strings.TrimSpace(body),
		Category: meta.Category,
		File:     e.file,
	}
	if q.Text == "" {
		return Question{}, &LoadError{Path: e.path, Err: ErrEmptyQuestion}
	}
	if err := validate.Struct(q); err != nil {
		return Question{}, &LoadError{Path: e.path, Err: err}
	}
	return q, nil
}
