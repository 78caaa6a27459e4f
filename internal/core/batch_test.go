package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/cotloop/internal/backend"
	"github.com/goosewin/cotloop/internal/prompts"
	"github.com/goosewin/cotloop/internal/transcript"
)

func writeQuestions(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
	return dir
}

func twoQuestions(t *testing.T) string {
	return writeQuestions(t, map[string]string{
		"q1.txt": "What is 2+2?",
		"q2.txt": "Is the set of all sets a set?",
	})
}

func batchOptions(questionsDir, outputDir string, b backend.Backend, n int) BatchOptions {
	return BatchOptions{
		QuestionsDir: questionsDir,
		OutputDir:    outputDir,
		Eval:         evalOptions(b, n),
	}
}

func TestRunBatchWritesTranscriptPerQuestion(t *testing.T) {
	out := t.TempDir()
	summary, err := RunBatch(context.Background(), batchOptions(twoQuestions(t), out, echoBackend(), 3))
	require.NoError(t, err)

	assert.Equal(t, "run-test", summary.RunID)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 0, summary.Incomplete)
	assert.Equal(t, 6, summary.Iterations)
	assert.Empty(t, summary.WriteFailures)

	q1, err := transcript.Read(filepath.Join(out, "q1_result.json"))
	require.NoError(t, err)
	require.Len(t, q1.Iterations, 3)
	assert.Equal(t, "What is 2+2?", q1.Iterations[0].Input)
	assert.Equal(t, "<ANSWER to: What is 2+2?>", q1.Iterations[0].Output)
	assert.Equal(t, q1.Iterations[0].Output, q1.Iterations[1].Input)
	assert.Equal(t, q1.Iterations[1].Output, q1.Iterations[2].Input)
	assert.False(t, q1.Incomplete)
	require.NoError(t, q1.VerifyChain())

	q2, err := transcript.Read(filepath.Join(out, "q2_result.json"))
	require.NoError(t, err)
	assert.Equal(t, "Is the set of all sets a set?", q2.QuestionText)
}

func TestRunBatchIsolatesInferenceFailures(t *testing.T) {
	stub := echoBackend()
	stub.failWhen = func(_ int, prompt string) bool {
		return strings.HasPrefix(prompt, "<ANSWER to:")
	}

	out := t.TempDir()
	summary, err := RunBatch(context.Background(), batchOptions(twoQuestions(t), out, stub, 3))
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Completed)
	assert.Equal(t, 2, summary.Incomplete)
	assert.Equal(t, 4, stub.calls)

	for _, id := range []string{"q1", "q2"} {
		tr, err := transcript.Read(filepath.Join(out, transcript.Filename(id)))
		require.NoError(t, err)
		assert.Len(t, tr.Iterations, 1)
		assert.True(t, tr.Incomplete)
		assert.NotEmpty(t, tr.Error)
	}
}

func TestRunBatchIsIdempotent(t *testing.T) {
	questions := twoQuestions(t)
	outA, outB := t.TempDir(), t.TempDir()

	_, err := RunBatch(context.Background(), batchOptions(questions, outA, echoBackend(), 3))
	require.NoError(t, err)
	_, err = RunBatch(context.Background(), batchOptions(questions, outB, echoBackend(), 3))
	require.NoError(t, err)

	for _, id := range []string{"q1", "q2"} {
		a, err := os.ReadFile(filepath.Join(outA, transcript.Filename(id)))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(outB, transcript.Filename(id)))
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	}
}

func TestRunBatchMissingDirectoryIsFatal(t *testing.T) {
	m := &mockBackend{}

	_, err := RunBatch(context.Background(), batchOptions(filepath.Join(t.TempDir(), "nope"), t.TempDir(), m, 3))

	var loadErr *prompts.LoadError
	require.True(t, errors.As(err, &loadErr))
	m.AssertNotCalled(t, "Generate")
}

func TestRunBatchValidatesOptions(t *testing.T) {
	questions := twoQuestions(t)

	_, err := RunBatch(context.Background(), batchOptions(questions, t.TempDir(), nil, 3))
	assert.ErrorIs(t, err, ErrNoBackend)

	opts := batchOptions(questions, t.TempDir(), echoBackend(), 3)
	opts.Eval.Model = ""
	_, err = RunBatch(context.Background(), opts)
	assert.ErrorIs(t, err, ErrModelRequired)

	_, err = RunBatch(context.Background(), batchOptions(questions, t.TempDir(), echoBackend(), -1))
	assert.ErrorIs(t, err, ErrInvalidIterations)

	_, err = RunBatch(context.Background(), batchOptions(questions, "", echoBackend(), 3))
	assert.ErrorIs(t, err, ErrOutputDirRequired)
}

func TestRunBatchCountsLoadFailuresAsIncomplete(t *testing.T) {
	questions := writeQuestions(t, map[string]string{
		"a.txt": "\n\n",
		"b.txt": "real",
	})
	out := t.TempDir()

	summary, err := RunBatch(context.Background(), batchOptions(questions, out, echoBackend(), 2))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Incomplete)
	assert.NoFileExists(t, filepath.Join(out, "a_result.json"))
	assert.FileExists(t, filepath.Join(out, "b_result.json"))
}

func TestRunBatchRecordsWriteFailures(t *testing.T) {
	out := t.TempDir()
	blocked := filepath.Join(out, transcript.Filename("q1"))
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "keep"), 0o755))

	summary, err := RunBatch(context.Background(), batchOptions(twoQuestions(t), out, echoBackend(), 2))
	require.NoError(t, err)

	require.Len(t, summary.WriteFailures, 1)
	assert.Equal(t, "q1", summary.WriteFailures[0].QuestionID)
	assert.Equal(t, blocked, summary.WriteFailures[0].Path)
	assert.Equal(t, 2, summary.Completed)
	assert.FileExists(t, filepath.Join(out, "q2_result.json"))
}

func TestRunBatchReportsProgress(t *testing.T) {
	var updates []ProgressUpdate
	opts := batchOptions(twoQuestions(t), t.TempDir(), echoBackend(), 1)
	opts.Eval.Progress = func(update ProgressUpdate) {
		updates = append(updates, update)
	}

	_, err := RunBatch(context.Background(), opts)
	require.NoError(t, err)

	require.Len(t, updates, 6)
	assert.Equal(t, PhaseQuestionStarted, updates[0].Phase)
	assert.Equal(t, PhaseIteration, updates[1].Phase)
	assert.Equal(t, PhaseQuestionFinished, updates[2].Phase)
	assert.Equal(t, 1, updates[1].Position)
	assert.Equal(t, 2, updates[1].Total)
	assert.Equal(t, "q2", updates[3].QuestionID)
	assert.Equal(t, 2, updates[5].Position)
}

func TestRunBatchWritesRunLog(t *testing.T) {
	out := t.TempDir()
	opts := batchOptions(twoQuestions(t), out, echoBackend(), 1)
	opts.Eval.Logger = nil
	opts.Console = io.Discard

	_, err := RunBatch(context.Background(), opts)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, DefaultLogName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "starting run")
	assert.Contains(t, string(data), "question=q2")
	assert.Contains(t, string(data), "run finished")
}

type cancellingBackend struct {
	cancel context.CancelFunc
}

func (c *cancellingBackend) Name() string {
	return "cancel"
}

func (c *cancellingBackend) Generate(ctx context.Context, _ backend.Request) (string, error) {
	c.cancel()
	return "", ctx.Err()
}

func (c *cancellingBackend) ListModels(context.Context) ([]string, error) {
	return nil, nil
}

func TestRunBatchInterruptedDiscardsInFlightTranscript(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := t.TempDir()

	_, err := RunBatch(ctx, batchOptions(twoQuestions(t), out, &cancellingBackend{cancel: cancel}, 3))

	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(out, "q1_result.json"))
}

func TestRunBatchGeneratesRunID(t *testing.T) {
	opts := batchOptions(twoQuestions(t), t.TempDir(), echoBackend(), 1)
	opts.Eval.RunID = ""

	summary, err := RunBatch(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, summary.RunID, 36)
}
