package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/goosewin/cotloop/internal/backend"
	_ "github.com/goosewin/cotloop/internal/backend/ollama"
	_ "github.com/goosewin/cotloop/internal/backend/openai"
	"github.com/goosewin/cotloop/internal/config"
	"github.com/goosewin/cotloop/internal/core"
	"github.com/goosewin/cotloop/internal/metrics"
	"github.com/goosewin/cotloop/internal/notify"
	"github.com/goosewin/cotloop/internal/prompts"
	"github.com/goosewin/cotloop/internal/server"
	"github.com/goosewin/cotloop/internal/state"
	"github.com/goosewin/cotloop/internal/telemetry"
)

var (
	runName            string
	runModel           string
	runQuestionsDir    string
	runOutputDir       string
	runIterations      int
	runBackend         string
	runBaseURL         string
	runTemperature     float64
	runMaxTokens       int
	runSystemPrompt    string
	runPreprocess      bool
	runStripCodeBlocks bool
	runStripHTML       bool
	runListen          string
	runWebhook         string
	runMinInterval     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the iterative evaluation over a questions directory",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func init() {
	flags := runCmd.Flags()
	flags.StringVarP(&runModel, "model", "m", "", "Model name (default: defaults.model)")
	flags.StringVarP(&runQuestionsDir, "questions-dir", "q", "", "Directory of question files")
	flags.StringVarP(&runOutputDir, "output-dir", "o", "", "Directory for transcripts")
	flags.IntVarP(&runIterations, "iterations", "i", 0, "Iterations per question (default: defaults.iterations)")
	flags.StringVarP(&runBackend, "backend", "b", "", "Inference backend (ollama, openai)")
	flags.StringVar(&runBaseURL, "base-url", "", "Inference endpoint base URL")
	flags.Float64Var(&runTemperature, "temperature", 0, "Sampling temperature (default: defaults.temperature)")
	flags.IntVar(&runMaxTokens, "max-tokens", 0, "Max tokens per response (default: defaults.max_tokens)")
	flags.StringVar(&runSystemPrompt, "system-prompt", "", "System prompt; {question_id} {category} {iteration} {max_iterations} are substituted")
	flags.BoolVar(&runPreprocess, "preprocess", false, "Strip code blocks and HTML from question text")
	flags.BoolVar(&runStripCodeBlocks, "strip-codeblocks", false, "Strip code blocks from question text")
	flags.BoolVar(&runStripHTML, "strip-html", false, "Strip raw HTML from question text")
	flags.StringVarP(&runName, "name", "n", "", "Run name (default: questions directory name)")
	flags.StringVar(&runListen, "listen", "", "Serve status, progress and metrics on this address (e.g. 127.0.0.1:8080)")
	flags.StringVar(&runWebhook, "webhook", "", "Notification webhook URL (default: notify.webhook)")
	flags.DurationVar(&runMinInterval, "min-interval", 0, "Minimum time between inference calls")

	_ = runCmd.MarkFlagRequired("questions-dir")
	_ = runCmd.MarkFlagRequired("output-dir")

	rootCmd.AddCommand(runCmd)
}

// runSettings is the resolved configuration of one run. Flags win over
// config values, which win over built-in defaults.
type runSettings struct {
	Name          string
	Model         string
	BackendName   string
	Backend       backend.Options
	QuestionsDir  string
	OutputDir     string
	Iterations    int
	Temperature   *float64
	MaxTokens     int
	SystemPrompt  string
	SourceOptions prompts.Options
	Listen        string
	Webhook       string
	MinInterval   time.Duration
	LogLevel      slog.Level
	RetainDays    int
	Telemetry     telemetry.Config
	ServerToken   string
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigForCwd()
	if err != nil {
		return err
	}
	settings, err := resolveRunSettings(cmd, cfg)
	if err != nil {
		return err
	}
	source, err := prompts.Open(settings.QuestionsDir, settings.SourceOptions)
	if err != nil {
		return err
	}

	if err := state.Init(); err != nil {
		return err
	}
	if err := ensureRunAvailable(settings.Name); err != nil {
		return err
	}

	b, err := backend.New(settings.BackendName, settings.Backend)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	settings.Telemetry.RunID = runID
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, settings.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	logPath := filepath.Join(settings.OutputDir, core.DefaultLogName)
	logFile, err := core.OpenLog(logPath, settings.RetainDays)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := core.NewLogger(os.Stdout, logFile, settings.LogLevel)

	if available, err := backend.CheckModel(ctx, b, settings.Model); err != nil {
		logger.Warn("model availability check failed", "model", settings.Model, "available", strings.Join(available, ", "), "error", err)
	}

	recorder := metrics.New(settings.Model)
	tracker := server.NewTracker(settings.Name, settings.Model)

	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	var servers errgroup.Group
	if settings.Listen != "" {
		host, port, err := server.ParseListen(settings.Listen)
		if err != nil {
			return err
		}
		servers.Go(func() error {
			return server.StartServer(serverCtx, server.Options{
				Host:     host,
				Port:     port,
				Token:    settings.ServerToken,
				Tracker:  tracker,
				Gatherer: recorder.Registry(),
			})
		})
		logger.Info("status server listening", "listen", settings.Listen)
	}

	startedAt := time.Now().UTC()
	err = state.Put(state.Run{
		Name:          settings.Name,
		RunID:         runID,
		PID:           os.Getpid(),
		Status:        state.StatusRunning,
		Model:         settings.Model,
		Backend:       b.Name(),
		QuestionsDir:  settings.QuestionsDir,
		OutputDir:     settings.OutputDir,
		LogFile:       logPath,
		Listen:        settings.Listen,
		MaxIterations: settings.Iterations,
		StartedAt:     startedAt,
	})
	if err != nil {
		return err
	}

	progress := func(update core.ProgressUpdate) {
		recorder.Observe(update)
		tracker.Observe(update)
		if err := state.Update(settings.Name, func(r *state.Run) { applyProgress(r, update) }); err != nil {
			logger.Debug("run registry update failed", "error", err)
		}
	}

	summary, err := core.RunBatch(ctx, core.BatchOptions{
		QuestionsDir:  settings.QuestionsDir,
		SourceOptions: settings.SourceOptions,
		Source:        source,
		OutputDir:     settings.OutputDir,
		LogFile:       logPath,
		RetainDays:    settings.RetainDays,
		Eval: core.EvalOptions{
			RunID:        runID,
			Backend:      b,
			Model:        settings.Model,
			Iterations:   settings.Iterations,
			Temperature:  settings.Temperature,
			MaxTokens:    settings.MaxTokens,
			SystemPrompt: settings.SystemPrompt,
			Limiter:      core.NewPacer(settings.MinInterval),
			Logger:       logger,
			Progress:     progress,
		},
	})
	tracker.Finish()
	stopServer()
	if serveErr := servers.Wait(); serveErr != nil {
		logger.Warn("status server stopped", "listen", settings.Listen, "error", serveErr)
	}

	if err != nil {
		return finishFailedRun(settings, summary, err, ctx.Err() != nil)
	}

	_ = state.Update(settings.Name, func(r *state.Run) {
		r.Status = state.StatusComplete
		r.PID = 0
		r.Total = summary.Total
		r.Completed = summary.Completed
		r.Incomplete = summary.Incomplete
		r.WriteFailures = len(summary.WriteFailures)
	})

	printSummary(summary, settings.OutputDir)

	if settings.Webhook != "" {
		err := notify.NotifyFinished(context.Background(), notify.FinishedOptions{
			RunName:       settings.Name,
			RunID:         runID,
			WebhookURL:    settings.Webhook,
			Model:         settings.Model,
			QuestionsDir:  settings.QuestionsDir,
			Total:         summary.Total,
			Completed:     summary.Completed,
			Incomplete:    summary.Incomplete,
			WriteFailures: len(summary.WriteFailures),
			Duration:      summary.Duration,
		})
		if err != nil {
			logger.Warn("webhook notification failed", "error", err)
		}
	}
	return nil
}

func finishFailedRun(settings runSettings, summary core.Summary, runErr error, interrupted bool) error {
	status := state.StatusFailed
	reason := "error"
	if interrupted {
		status = state.StatusStopped
		reason = "stopped"
	}

	position := summary.Completed + summary.Incomplete
	_ = state.Update(settings.Name, func(r *state.Run) {
		r.Status = status
		r.PID = 0
		r.Error = runErr.Error()
		if summary.Total > 0 {
			r.Total = summary.Total
		}
	})

	if settings.Webhook != "" {
		_ = notify.NotifyFailed(context.Background(), notify.FailedOptions{
			RunName:    settings.Name,
			RunID:      summary.RunID,
			WebhookURL: settings.Webhook,
			Reason:     reason,
			Detail:     runErr.Error(),
			Model:      settings.Model,
			Total:      summary.Total,
			Position:   position,
			Duration:   summary.Duration,
		})
	}

	if interrupted {
		return fmt.Errorf("run %s interrupted after %d/%d questions", settings.Name, position, summary.Total)
	}
	return runErr
}

// applyProgress folds a progress update into a registry entry.
func applyProgress(r *state.Run, update core.ProgressUpdate) {
	if update.Total > 0 {
		r.Total = update.Total
	}
	if update.Position > 0 {
		r.Position = update.Position
	}
	if update.QuestionID != "" {
		r.CurrentQuestion = update.QuestionID
	}
	if update.MaxIterations > 0 {
		r.MaxIterations = update.MaxIterations
	}
	switch update.Phase {
	case core.PhaseQuestionStarted:
		r.Iteration = 0
	case core.PhaseIteration:
		r.Iteration = update.Iteration
	case core.PhaseQuestionFinished:
		if update.Incomplete {
			r.Incomplete++
		} else {
			r.Completed++
		}
	case core.PhaseLoadFailed:
		r.Incomplete++
	case core.PhaseWriteFailed:
		r.WriteFailures++
	}
}

func resolveRunSettings(cmd *cobra.Command, cfg *config.Config) (runSettings, error) {
	flags := cmd.Flags()
	s := runSettings{}

	questionsDir, err := filepath.Abs(strings.TrimSpace(runQuestionsDir))
	if err != nil {
		return s, fmt.Errorf("resolve questions directory: %w", err)
	}
	s.QuestionsDir = questionsDir

	if strings.TrimSpace(runOutputDir) == "" {
		return s, core.ErrOutputDirRequired
	}
	outputDir, err := filepath.Abs(strings.TrimSpace(runOutputDir))
	if err != nil {
		return s, fmt.Errorf("resolve output directory: %w", err)
	}
	s.OutputDir = outputDir

	s.Model = strings.TrimSpace(runModel)
	if s.Model == "" {
		s.Model = cfg.String("defaults.model", "")
	}
	if s.Model == "" {
		return s, core.ErrModelRequired
	}

	s.BackendName = strings.TrimSpace(runBackend)
	if s.BackendName == "" {
		s.BackendName = cfg.String("defaults.backend", backend.DefaultName())
	}
	s.BackendName = strings.ToLower(s.BackendName)

	s.Backend = backend.Options{
		BaseURL: strings.TrimSpace(runBaseURL),
		APIKey:  cfg.String(s.BackendName+".api_key", ""),
		Timeout: time.Duration(cfg.Int(s.BackendName+".timeout_seconds", 120)) * time.Second,
	}
	if s.Backend.BaseURL == "" {
		s.Backend.BaseURL = cfg.String(s.BackendName+".base_url", "")
	}

	s.Iterations = runIterations
	if flags.Changed("iterations") {
		if s.Iterations < 1 {
			return s, core.ErrInvalidIterations
		}
	} else {
		s.Iterations = cfg.Int("defaults.iterations", core.DefaultIterations)
		if s.Iterations < 1 {
			return s, fmt.Errorf("defaults.iterations: %w", core.ErrInvalidIterations)
		}
	}

	temperature := runTemperature
	if !flags.Changed("temperature") {
		temperature = cfg.Float("defaults.temperature", 0.7)
	}
	s.Temperature = &temperature

	s.MaxTokens = runMaxTokens
	if !flags.Changed("max-tokens") {
		s.MaxTokens = cfg.Int("defaults.max_tokens", 1000)
	}
	if s.MaxTokens < 0 {
		return s, errors.New("max-tokens must not be negative")
	}

	s.SystemPrompt = runSystemPrompt
	if !flags.Changed("system-prompt") {
		s.SystemPrompt = cfg.String("defaults.system_prompt", "")
	}

	s.SourceOptions = prompts.Options{
		StripCodeBlocks: runPreprocess || runStripCodeBlocks,
		StripHTML:       runPreprocess || runStripHTML,
	}

	s.Name = strings.TrimSpace(runName)
	if s.Name == "" {
		s.Name = filepath.Base(questionsDir)
	}
	s.Name = sanitizeRunName(s.Name)
	if s.Name == "" {
		return s, errors.New("run name is required")
	}

	s.Listen = strings.TrimSpace(runListen)
	s.ServerToken = cfg.String("server.token", "")
	s.Webhook = strings.TrimSpace(runWebhook)
	if s.Webhook == "" {
		s.Webhook = cfg.String("notify.webhook", "")
	}
	s.MinInterval = runMinInterval
	if s.MinInterval < 0 {
		return s, errors.New("min-interval must not be negative")
	}

	level, err := resolveLogLevel(cfg)
	if err != nil {
		return s, err
	}
	s.LogLevel = level
	s.RetainDays = cfg.Int("logging.retain_days", 7)

	s.Telemetry = telemetry.Config{
		Exporter:    cfg.String("telemetry.exporter", ""),
		Endpoint:    cfg.String("telemetry.otlp_endpoint", ""),
		Insecure:    cfg.Bool("telemetry.insecure", false),
		Headers:     parseHeaders(cfg.String("telemetry.headers", "")),
		ServiceName: "cotloop",
		Version:     Version,
	}
	return s, nil
}

func ensureRunAvailable(name string) error {
	run, found, err := state.Get(name)
	if err != nil {
		return err
	}
	if !found || run.Status != state.StatusRunning {
		return nil
	}
	if run.PID > 0 && state.ProcessAlive(run.PID) {
		return fmt.Errorf("run %q is already running (pid: %d)", name, run.PID)
	}
	fmt.Fprintf(os.Stderr, "Warning: run %q appears stale and will be replaced.\n", name)
	return nil
}

func printSummary(summary core.Summary, outputDir string) {
	fmt.Println("")
	fmt.Printf("Run %s finished in %s\n", summary.RunID, summary.Duration.Round(time.Millisecond))
	fmt.Printf("  questions:      %d\n", summary.Total)
	fmt.Printf("  completed:      %d\n", summary.Completed)
	fmt.Printf("  incomplete:     %d\n", summary.Incomplete)
	fmt.Printf("  write failures: %d\n", len(summary.WriteFailures))
	for _, failure := range summary.WriteFailures {
		fmt.Printf("    %s: %s (%s)\n", failure.QuestionID, failure.Path, failure.Error)
	}
	fmt.Printf("  transcripts:    %s\n", outputDir)
}

// parseHeaders reads "key=value,key2=value2".
func parseHeaders(value string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return headers
}

var runNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeRunName(value string) string {
	return runNameRe.ReplaceAllString(value, "-")
}
