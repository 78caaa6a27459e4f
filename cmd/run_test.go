package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/cotloop/internal/core"
	"github.com/goosewin/cotloop/internal/prompts"
	"github.com/goosewin/cotloop/internal/state"
	"github.com/goosewin/cotloop/internal/transcript"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("COTLOOP_CONFIG_DIR", filepath.Join(dir, "config"))
	t.Setenv("COTLOOP_STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("COTLOOP_STATE_FILE", filepath.Join(dir, "state", "runs.json"))
	t.Setenv("COTLOOP_MODEL", "")
	t.Setenv("OLLAMA_HOST", "")
	return dir
}

// echoOllama answers /api/generate with the prompt plus "!".
func echoOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"stub:latest"}]}`))
		case "/api/generate":
			var req struct {
				Prompt string `json:"prompt"`
			}
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": req.Prompt + "!", "done": true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunAndInspect(t *testing.T) {
	dir := isolateEnv(t)
	srv := echoOllama(t)

	questions := filepath.Join(dir, "questions")
	require.NoError(t, os.MkdirAll(questions, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(questions, "q1.txt"), []byte("What is 2+2?\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(questions, "q2.md"), []byte("category: math\nName a prime.\n"), 0o644))
	output := filepath.Join(dir, "out")

	rootCmd.SetArgs([]string{
		"run",
		"--model", "stub",
		"--questions-dir", questions,
		"--output-dir", output,
		"--iterations", "3",
		"--base-url", srv.URL,
		"--name", "e2e",
	})
	require.NoError(t, rootCmd.Execute())

	path := transcript.Path(output, "q1")
	got, err := transcript.Read(path)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Achieved)
	assert.False(t, got.Incomplete)
	assert.Equal(t, "What is 2+2?!!!", got.Final())
	assert.Equal(t, "ollama", got.Backend)
	require.NoError(t, got.VerifyChain())

	second, err := transcript.Read(transcript.Path(output, "q2"))
	require.NoError(t, err)
	assert.Equal(t, "math", second.Category)
	assert.Equal(t, "Name a prime.!!!", second.Final())

	run, found, err := state.Get("e2e")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.StatusComplete, run.Status)
	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 2, run.Completed)
	assert.Zero(t, run.PID)
	assert.FileExists(t, filepath.Join(output, core.DefaultLogName))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"inspect", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Achieved: 3/3")
	assert.Contains(t, out.String(), "Chain: ok")
}

func TestRunMissingQuestionsLeavesNoTrace(t *testing.T) {
	dir := isolateEnv(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	output := filepath.Join(dir, "out")

	rootCmd.SetArgs([]string{
		"run",
		"--model", "stub",
		"--questions-dir", filepath.Join(dir, "missing"),
		"--output-dir", output,
		"--base-url", srv.URL,
		"--name", "missing-questions",
	})
	err := rootCmd.Execute()
	require.Error(t, err)
	var loadErr *prompts.LoadError
	assert.ErrorAs(t, err, &loadErr)

	assert.NoDirExists(t, output)
	assert.Zero(t, calls.Load())
	_, found, err := state.Get("missing-questions")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInspectRejectsBrokenChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q1_result.json")
	body := `{"question_id":"q1","question":"Q","model":"m","parameters":{},` +
		`"iterations":[{"iteration":1,"input":"Q","output":"A"},{"iteration":2,"input":"X","output":"B"}],` +
		`"requested_iterations":2,"achieved_iterations":2,"incomplete":false}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"inspect", path})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, transcript.ErrBrokenChain))
}

func TestApplyProgress(t *testing.T) {
	run := state.Run{Name: "demo"}
	updates := []core.ProgressUpdate{
		{Phase: core.PhaseQuestionStarted, QuestionID: "q1", Position: 1, Total: 3, MaxIterations: 5},
		{Phase: core.PhaseIteration, QuestionID: "q1", Position: 1, Total: 3, Iteration: 2, MaxIterations: 5},
		{Phase: core.PhaseQuestionFinished, QuestionID: "q1", Position: 1, Total: 3},
		{Phase: core.PhaseLoadFailed, Position: 2, Total: 3, Incomplete: true},
		{Phase: core.PhaseQuestionStarted, QuestionID: "q3", Position: 3, Total: 3, MaxIterations: 5},
		{Phase: core.PhaseQuestionFinished, QuestionID: "q3", Position: 3, Total: 3, Incomplete: true},
		{Phase: core.PhaseWriteFailed, QuestionID: "q3", Position: 3, Total: 3},
	}
	for _, update := range updates {
		applyProgress(&run, update)
	}

	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 3, run.Position)
	assert.Equal(t, "q3", run.CurrentQuestion)
	assert.Equal(t, 0, run.Iteration)
	assert.Equal(t, 5, run.MaxIterations)
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 2, run.Incomplete)
	assert.Equal(t, 1, run.WriteFailures)
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("authorization=Bearer abc, x-team = evals,broken,=nokey")
	assert.Equal(t, map[string]string{"authorization": "Bearer abc", "x-team": "evals"}, got)
	assert.Empty(t, parseHeaders(""))
}

func TestSanitizeRunName(t *testing.T) {
	assert.Equal(t, "my-run_1", sanitizeRunName("my run_1"))
	assert.Equal(t, "a-b-c", sanitizeRunName("a/b.c"))
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	lines := []string{"one", "two", "three", "four"}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	got, err := tailLines(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, got)

	got, err = tailLines(path, 10)
	require.NoError(t, err)
	assert.Equal(t, lines, got)
}

func TestRunLogPath(t *testing.T) {
	assert.Equal(t, "/tmp/x.log", runLogPath(state.Run{LogFile: "/tmp/x.log", OutputDir: "/out"}))
	assert.Equal(t, filepath.Join("/out", core.DefaultLogName), runLogPath(state.Run{OutputDir: "/out"}))
	assert.Empty(t, runLogPath(state.Run{}))
}

func TestPrintAppendedKeepsPartialLine(t *testing.T) {
	var out bytes.Buffer
	partial, err := printAppended(&out, bufio.NewReader(strings.NewReader("one\ntw")), "")
	require.NoError(t, err)
	assert.Equal(t, "one\n", out.String())
	assert.Equal(t, "tw", partial)

	out.Reset()
	partial, err = printAppended(&out, bufio.NewReader(strings.NewReader("o\n")), partial)
	require.NoError(t, err)
	assert.Equal(t, "two\n", out.String())
	assert.Empty(t, partial)
}

func TestConfigGetSection(t *testing.T) {
	isolateEnv(t)

	var out bytes.Buffer
	require.NoError(t, getConfig(&out, "ollama"))
	assert.Contains(t, out.String(), "ollama.base_url=http://localhost:11434\n")
	assert.Contains(t, out.String(), "ollama.timeout_seconds=120\n")

	out.Reset()
	require.NoError(t, getConfig(&out, "defaults.iterations"))
	assert.Equal(t, "5\n", out.String())

	assert.Error(t, getConfig(&out, "nope.missing"))
}

func TestSectionItems(t *testing.T) {
	items := map[string]string{"ollama.base_url": "u", "ollama": "x", "ollamax.key": "y", "defaults.model": "m"}
	assert.Equal(t, map[string]string{"ollama.base_url": "u", "ollama": "x"}, sectionItems(items, "ollama"))
}
