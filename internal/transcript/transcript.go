// Package transcript persists the per-question record of an iterative
// evaluation as <id>_result.json.
package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// FileSuffix is appended to the question ID to form the transcript filename.
const FileSuffix = "_result.json"

var validate = validator.New()

// Parameters records the sampling settings the run used.
type Parameters struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty" validate:"gte=0"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// Iteration is one prompt/response exchange. Index starts at 1.
type Iteration struct {
	Index      int       `json:"iteration" validate:"gte=1"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms" validate:"gte=0"`
}

// Transcript is the ordered record of every iteration for one question.
type Transcript struct {
	RunID        string      `json:"run_id,omitempty"`
	QuestionID   string      `json:"question_id" validate:"required"`
	QuestionText string      `json:"question" validate:"required"`
	Category     string      `json:"category,omitempty"`
	Model        string      `json:"model" validate:"required"`
	Backend      string      `json:"backend,omitempty"`
	Parameters   Parameters  `json:"parameters"`
	Iterations   []Iteration `json:"iterations" validate:"dive"`
	Requested    int         `json:"requested_iterations" validate:"gte=1"`
	Achieved     int         `json:"achieved_iterations" validate:"gte=0,ltefield=Requested"`
	Incomplete   bool        `json:"incomplete"`
	Error        string      `json:"error,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
}

// WriteError reports a transcript that could not be persisted.
type WriteError struct {
	QuestionID string
	Path       string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write transcript %s to %s: %v", e.QuestionID, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

var (
	ErrBrokenChain   = errors.New("iteration chain is broken")
	ErrCountMismatch = errors.New("achieved iterations do not match recorded iterations")
)

// Filename returns the transcript filename for a question ID.
func Filename(questionID string) string {
	return questionID + FileSuffix
}

// Path returns where the transcript for questionID lives under dir.
func Path(dir, questionID string) string {
	return filepath.Join(dir, Filename(questionID))
}

// VerifyChain checks that the first input is the question text, that each
// later input is the previous output, and that indices run 1..n.
func (t *Transcript) VerifyChain() error {
	if t.Achieved != len(t.Iterations) {
		return fmt.Errorf("%w: achieved=%d recorded=%d", ErrCountMismatch, t.Achieved, len(t.Iterations))
	}
	for i, it := range t.Iterations {
		if it.Index != i+1 {
			return fmt.Errorf("%w: iteration %d has index %d", ErrBrokenChain, i+1, it.Index)
		}
		want := t.QuestionText
		if i > 0 {
			want = t.Iterations[i-1].Output
		}
		if it.Input != want {
			return fmt.Errorf("%w: input of iteration %d differs from previous output", ErrBrokenChain, it.Index)
		}
	}
	return nil
}

// Final returns the last output, or "" when no iteration completed.
func (t *Transcript) Final() string {
	if len(t.Iterations) == 0 {
		return ""
	}
	return t.Iterations[len(t.Iterations)-1].Output
}

// Encode renders the transcript as indented JSON with a trailing newline.
func Encode(t *Transcript) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write validates t and stores it atomically in dir. Any failure is returned
// as a *WriteError.
func Write(dir string, t *Transcript) (string, error) {
	if t == nil {
		return "", &WriteError{Path: dir, Err: errors.New("transcript is nil")}
	}
	path := Path(dir, t.QuestionID)
	fail := func(err error) (string, error) {
		return path, &WriteError{QuestionID: t.QuestionID, Path: path, Err: err}
	}

	if strings.TrimSpace(dir) == "" {
		return fail(errors.New("output directory is required"))
	}
	if err := validate.Struct(t); err != nil {
		return fail(fmt.Errorf("invalid transcript: %w", err))
	}
	if t.Iterations == nil {
		copied := *t
		copied.Iterations = []Iteration{}
		t = &copied
	}

	data, err := Encode(t)
	if err != nil {
		return fail(fmt.Errorf("marshal transcript: %w", err))
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fail(err)
	}
	return path, nil
}

// Read loads a transcript written by Write.
func Read(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", path, err)
	}
	return &t, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace transcript: %w", err)
	}

	return nil
}
