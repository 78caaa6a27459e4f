package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/goosewin/cotloop/internal/core"
)

func TestObserveCountsOutcomes(t *testing.T) {
	r := New("llama3.2")

	r.Observe(core.ProgressUpdate{Phase: core.PhaseQuestionStarted, Position: 1, Total: 3})
	r.Observe(core.ProgressUpdate{Phase: core.PhaseIteration, Position: 1, Total: 3, Duration: 2 * time.Second})
	r.Observe(core.ProgressUpdate{Phase: core.PhaseIteration, Position: 1, Total: 3, Duration: time.Second})
	r.Observe(core.ProgressUpdate{Phase: core.PhaseQuestionFinished, Position: 1, Total: 3})
	r.Observe(core.ProgressUpdate{Phase: core.PhaseIterationFailed, Position: 2, Total: 3, Err: errors.New("boom")})
	r.Observe(core.ProgressUpdate{Phase: core.PhaseQuestionFinished, Position: 2, Total: 3, Incomplete: true})
	r.Observe(core.ProgressUpdate{Phase: core.PhaseWriteFailed, Position: 2, Total: 3})
	r.Observe(core.ProgressUpdate{Phase: core.PhaseLoadFailed, Position: 3, Total: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.iterations.WithLabelValues("llama3.2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.inferenceFailures.WithLabelValues("llama3.2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.questions.WithLabelValues("complete")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.questions.WithLabelValues("incomplete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.writeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.loadFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.position))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.total))
	assert.Equal(t, 2, testutil.CollectAndCount(r.iterationLatency))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New("m")
	b := New("m")

	a.Observe(core.ProgressUpdate{Phase: core.PhaseWriteFailed})

	assert.Equal(t, 1.0, testutil.ToFloat64(a.writeFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.writeFailures))

	families, err := a.Registry().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
