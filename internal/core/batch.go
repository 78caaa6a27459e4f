package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goosewin/cotloop/internal/prompts"
	"github.com/goosewin/cotloop/internal/transcript"
)

// BatchOptions configures one run over a questions directory.
type BatchOptions struct {
	QuestionsDir  string
	SourceOptions prompts.Options
	OutputDir     string
	Eval          EvalOptions

	// Source, when set, is used instead of opening QuestionsDir.
	Source *prompts.Source

	// LogFile defaults to <OutputDir>/cotloop.log. It is only opened when
	// Eval.Logger is nil.
	LogFile    string
	RetainDays int
	LogLevel   slog.Level
	Console    io.Writer
}

// WriteFailure records a transcript that was produced but not persisted.
type WriteFailure struct {
	QuestionID string `json:"question_id"`
	Path       string `json:"path"`
	Error      string `json:"error"`
}

// Summary reports the outcome of a batch. Incomplete includes entries that
// failed to load.
type Summary struct {
	RunID         string         `json:"run_id"`
	Total         int            `json:"total"`
	Completed     int            `json:"completed"`
	Incomplete    int            `json:"incomplete"`
	Iterations    int            `json:"iterations"`
	WriteFailures []WriteFailure `json:"write_failures,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// RunBatch evaluates every question in QuestionsDir in order and writes one
// transcript per question into OutputDir. Only setup failures are returned
// as errors, before any question is evaluated. Per-question failures are
// counted in the summary. If ctx is cancelled the in-flight transcript is
// discarded and ctx.Err() is returned with the partial summary.
func RunBatch(ctx context.Context, opts BatchOptions) (Summary, error) {
	eval := opts.Eval
	if strings.TrimSpace(eval.RunID) == "" {
		eval.RunID = uuid.NewString()
	}
	summary := Summary{RunID: eval.RunID}

	if eval.Backend == nil {
		return summary, ErrNoBackend
	}
	if strings.TrimSpace(eval.Model) == "" {
		return summary, ErrModelRequired
	}
	if eval.Iterations < 0 {
		return summary, ErrInvalidIterations
	}
	if eval.Iterations == 0 {
		eval.Iterations = DefaultIterations
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return summary, ErrOutputDirRequired
	}

	source := opts.Source
	if source == nil {
		var err error
		if source, err = prompts.Open(opts.QuestionsDir, opts.SourceOptions); err != nil {
			return summary, err
		}
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return summary, fmt.Errorf("create output dir: %w", err)
	}

	if eval.Logger == nil {
		logPath := opts.LogFile
		if strings.TrimSpace(logPath) == "" {
			logPath = filepath.Join(opts.OutputDir, DefaultLogName)
		}
		logFile, err := OpenLog(logPath, opts.RetainDays)
		if err != nil {
			return summary, err
		}
		defer logFile.Close()

		console := opts.Console
		if console == nil {
			console = os.Stdout
		}
		eval.Logger = NewLogger(console, logFile, opts.LogLevel)
	}
	logger := eval.Logger

	total := source.Len()
	summary.Total = total
	start := eval.now()

	logger.Info("starting run",
		"run_id", eval.RunID,
		"questions_dir", source.Dir(),
		"questions", total,
		"model", eval.Model,
		"backend", eval.Backend.Name(),
		"iterations", eval.Iterations,
		"output_dir", opts.OutputDir,
	)

	position := 0
	progress := eval.Progress
	for q, loadErr := range source.All() {
		position++
		pos := position
		eval.Progress = func(update ProgressUpdate) {
			if progress == nil {
				return
			}
			update.Position = pos
			update.Total = total
			progress(update)
		}

		if loadErr != nil {
			summary.Incomplete++
			logger.Warn("skipping question", "position", pos, "error", loadErr)
			eval.report(ProgressUpdate{Phase: PhaseLoadFailed, Incomplete: true, Err: loadErr})
			continue
		}

		logger.Info("processing question",
			"position", fmt.Sprintf("%d/%d", pos, total),
			"question", q.ID,
			"file", q.File,
			"preview", Preview(q.Text, 100),
		)
		eval.report(ProgressUpdate{Phase: PhaseQuestionStarted, QuestionID: q.ID, MaxIterations: eval.Iterations})

		result := Evaluate(ctx, eval, q)
		if ctx.Err() != nil {
			summary.Duration = eval.now().Sub(start)
			logger.Warn("run interrupted", "question", q.ID, "error", ctx.Err())
			return summary, ctx.Err()
		}

		summary.Iterations += result.Achieved
		if result.Incomplete {
			summary.Incomplete++
		} else {
			summary.Completed++
		}
		eval.report(ProgressUpdate{
			Phase:         PhaseQuestionFinished,
			QuestionID:    q.ID,
			Iteration:     result.Achieved,
			MaxIterations: result.Requested,
			Duration:      result.FinishedAt.Sub(result.StartedAt),
			Incomplete:    result.Incomplete,
		})

		path, err := transcript.Write(opts.OutputDir, &result)
		if err != nil {
			failure := WriteFailure{QuestionID: q.ID, Path: path, Error: err.Error()}
			var writeErr *transcript.WriteError
			if errors.As(err, &writeErr) {
				failure.Path = writeErr.Path
				failure.Error = writeErr.Err.Error()
			}
			summary.WriteFailures = append(summary.WriteFailures, failure)
			logger.Warn("transcript not saved", "question", q.ID, "path", failure.Path, "error", err)
			eval.report(ProgressUpdate{Phase: PhaseWriteFailed, QuestionID: q.ID, Err: err})
			continue
		}

		logger.Info("question finished",
			"question", q.ID,
			"achieved", fmt.Sprintf("%d/%d", result.Achieved, result.Requested),
			"incomplete", result.Incomplete,
			"saved", path,
			"response", Preview(result.Final(), 150),
		)
	}

	summary.Duration = eval.now().Sub(start)
	logger.Info("run finished",
		"run_id", summary.RunID,
		"total", summary.Total,
		"completed", summary.Completed,
		"incomplete", summary.Incomplete,
		"write_failures", len(summary.WriteFailures),
		"duration", summary.Duration.Round(time.Millisecond),
	)
	return summary, nil
}
