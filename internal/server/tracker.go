package server

import (
	"sync"
	"time"

	"github.com/goosewin/cotloop/internal/core"
)

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID           string    `json:"run_id"`
	Name            string    `json:"name"`
	Model           string    `json:"model"`
	Total           int       `json:"total"`
	Position        int       `json:"position"`
	CurrentQuestion string    `json:"current_question,omitempty"`
	Iteration       int       `json:"iteration"`
	MaxIterations   int       `json:"max_iterations"`
	Completed       int       `json:"completed"`
	Incomplete      int       `json:"incomplete"`
	WriteFailures   int       `json:"write_failures"`
	LastError       string    `json:"last_error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Finished        bool      `json:"finished"`
}

// Tracker folds progress updates from the evaluation loop into a snapshot
// that the status server can read from its own goroutine.
type Tracker struct {
	mu       sync.Mutex
	progress Progress
	now      func() time.Time
}

func NewTracker(name, model string) *Tracker {
	t := &Tracker{now: time.Now}
	t.progress = Progress{Name: name, Model: model, StartedAt: t.now().UTC()}
	return t
}

// Observe is a core.ProgressCallback.
func (t *Tracker) Observe(update core.ProgressUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &t.progress
	p.RunID = update.RunID
	if update.Total > 0 {
		p.Total = update.Total
	}
	if update.Position > 0 {
		p.Position = update.Position
	}
	if update.QuestionID != "" {
		p.CurrentQuestion = update.QuestionID
	}
	if update.MaxIterations > 0 {
		p.MaxIterations = update.MaxIterations
	}

	switch update.Phase {
	case core.PhaseQuestionStarted:
		p.Iteration = 0
	case core.PhaseIteration:
		p.Iteration = update.Iteration
	case core.PhaseQuestionFinished:
		if update.Incomplete {
			p.Incomplete++
		} else {
			p.Completed++
		}
	case core.PhaseLoadFailed:
		p.Incomplete++
	case core.PhaseWriteFailed:
		p.WriteFailures++
	}
	if update.Err != nil {
		p.LastError = update.Err.Error()
	}
	p.UpdatedAt = t.now().UTC()
}

// Finish marks the run as done.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Finished = true
	t.progress.UpdatedAt = t.now().UTC()
}

func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}
