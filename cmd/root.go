package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/config"
	"github.com/goosewin/cotloop/internal/core"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "cotloop",
	Short:         "Iterative chain-of-thought experiments against local models",
	Long:          "Cotloop feeds benchmark questions to a language model, loops each answer back in as the next prompt, and saves one transcript per question.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfigForCwd() (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve current directory: %w", err)
	}
	return config.Load(cwd)
}

func resolveLogLevel(cfg *config.Config) (slog.Level, error) {
	value := strings.TrimSpace(logLevel)
	if value == "" {
		value = cfg.String("logging.level", "info")
	}
	return core.ParseLevel(value)
}
