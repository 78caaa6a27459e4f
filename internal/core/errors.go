package core

import (
	"errors"
	"fmt"
)

var (
	ErrNoBackend         = errors.New("backend is required")
	ErrModelRequired     = errors.New("model is required")
	ErrInvalidIterations = errors.New("iterations must be at least 1")
	ErrOutputDirRequired = errors.New("output directory is required")
)

// InferenceError reports a failed call to the inference endpoint. Iteration
// is the 1-based iteration that failed.
type InferenceError struct {
	QuestionID string
	Iteration  int
	Err        error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("question %s: iteration %d: %v", e.QuestionID, e.Iteration, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
