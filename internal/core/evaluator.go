package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/goosewin/cotloop/internal/backend"
	"github.com/goosewin/cotloop/internal/prompts"
	"github.com/goosewin/cotloop/internal/transcript"
)

// DefaultIterations is the loop length used when none is configured.
const DefaultIterations = 5

const tracerName = "github.com/goosewin/cotloop/internal/core"

// EvalOptions configures the per-question feedback loop.
type EvalOptions struct {
	RunID        string
	Backend      backend.Backend
	Model        string
	Iterations   int
	Temperature  *float64
	MaxTokens    int
	SystemPrompt string

	// Limiter paces calls to the endpoint. Nil disables pacing.
	Limiter *rate.Limiter
	// Now defaults to time.Now. Tests pin it for reproducible transcripts.
	Now      func() time.Time
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Progress ProgressCallback
}

// NewPacer returns a limiter that allows one call per interval, or nil when
// interval is not positive.
func NewPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Evaluate runs the fixed-length feedback loop for one question. The first
// prompt is the question text and every later prompt is the previous output.
// A failed call ends the loop and marks the transcript incomplete; it is never
// retried. Evaluate always returns a transcript.
func Evaluate(ctx context.Context, opts EvalOptions, q prompts.Question) transcript.Transcript {
	n := opts.Iterations
	if n <= 0 {
		n = DefaultIterations
	}
	logger := opts.logger()

	t := transcript.Transcript{
		RunID:        opts.RunID,
		QuestionID:   q.ID,
		QuestionText: q.Text,
		Category:     string(q.Category),
		Model:        opts.Model,
		Parameters: transcript.Parameters{
			Temperature:  opts.Temperature,
			MaxTokens:    opts.MaxTokens,
			SystemPrompt: opts.SystemPrompt,
		},
		Iterations: make([]transcript.Iteration, 0, n),
		Requested:  n,
		StartedAt:  opts.now(),
	}

	if opts.Backend == nil {
		t.Incomplete = true
		t.Error = (&InferenceError{QuestionID: q.ID, Iteration: 1, Err: ErrNoBackend}).Error()
		t.FinishedAt = opts.now()
		return t
	}
	t.Backend = opts.Backend.Name()

	ctx, span := opts.tracer().Start(ctx, "core.Evaluate", trace.WithAttributes(
		attribute.String("question.id", q.ID),
		attribute.String("llm.model", opts.Model),
		attribute.Int("iterations.requested", n),
	))
	defer span.End()

	current := q.Text
	for i := 1; i <= n; i++ {
		started := opts.now()
		output, err := opts.generate(ctx, q, current, i, n)
		finished := opts.now()
		elapsed := finished.Sub(started)

		if err != nil {
			inferenceErr := &InferenceError{QuestionID: q.ID, Iteration: i, Err: err}
			t.Incomplete = true
			t.Error = inferenceErr.Error()
			span.RecordError(inferenceErr)
			span.SetStatus(codes.Error, "inference failed")
			logger.Warn("inference failed", "question", q.ID, "iteration", i, "error", err)
			opts.report(ProgressUpdate{
				Phase:         PhaseIterationFailed,
				QuestionID:    q.ID,
				Iteration:     i,
				MaxIterations: n,
				Duration:      elapsed,
				Err:           inferenceErr,
			})
			break
		}

		t.Iterations = append(t.Iterations, transcript.Iteration{
			Index:      i,
			Input:      current,
			Output:     output,
			Timestamp:  finished,
			DurationMs: elapsed.Milliseconds(),
		})
		logger.Debug("iteration complete",
			"question", q.ID,
			"iteration", fmt.Sprintf("%d/%d", i, n),
			"duration", elapsed,
			"preview", Preview(output, 80),
		)
		opts.report(ProgressUpdate{
			Phase:         PhaseIteration,
			QuestionID:    q.ID,
			Iteration:     i,
			MaxIterations: n,
			Duration:      elapsed,
		})
		current = output
	}

	t.Achieved = len(t.Iterations)
	t.FinishedAt = opts.now()
	span.SetAttributes(
		attribute.Int("iterations.achieved", t.Achieved),
		attribute.Bool("transcript.incomplete", t.Incomplete),
	)
	return t
}

func (o EvalOptions) generate(ctx context.Context, q prompts.Question, prompt string, iteration, total int) (string, error) {
	if o.Limiter != nil {
		if err := o.Limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("pace request: %w", err)
		}
	}

	ctx, span := o.tracer().Start(ctx, "core.Iteration", trace.WithAttributes(
		attribute.String("question.id", q.ID),
		attribute.Int("iteration", iteration),
	))
	defer span.End()

	output, err := o.Backend.Generate(ctx, backend.Request{
		Model:  o.Model,
		Prompt: prompt,
		System: RenderSystemPrompt(o.SystemPrompt, PromptVars{
			QuestionID:    q.ID,
			Category:      string(q.Category),
			Iteration:     iteration,
			MaxIterations: total,
		}),
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("response.length", len(output)))
	return output, nil
}

func (o EvalOptions) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o EvalOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o EvalOptions) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return otel.Tracer(tracerName)
}

func (o EvalOptions) report(update ProgressUpdate) {
	if o.Progress == nil {
		return
	}
	update.RunID = o.RunID
	o.Progress(update)
}
