package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/backend"
)

var (
	modelsBackend string
	modelsBaseURL string
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available inference backends",
	RunE:  runBackends,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models served by the configured backend",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().StringVarP(&modelsBackend, "backend", "b", "", "Inference backend (default: defaults.backend)")
	modelsCmd.Flags().StringVar(&modelsBaseURL, "base-url", "", "Inference endpoint base URL")

	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	names := backend.Names()
	if len(names) == 0 {
		fmt.Println("No backends registered")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tDEFAULT")
	fmt.Fprintln(writer, "----\t-------")

	for _, name := range names {
		isDefault := ""
		if name == backend.DefaultName() {
			isDefault = "yes"
		}
		fmt.Fprintf(writer, "%s\t%s\n", name, isDefault)
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	fmt.Println("")
	fmt.Println("Usage: cotloop run --backend <name> --model <model> --questions-dir <dir> --output-dir <dir>")
	return nil
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigForCwd()
	if err != nil {
		return err
	}

	name := strings.TrimSpace(modelsBackend)
	if name == "" {
		name = cfg.String("defaults.backend", backend.DefaultName())
	}
	name = strings.ToLower(name)

	baseURL := strings.TrimSpace(modelsBaseURL)
	if baseURL == "" {
		baseURL = cfg.String(name+".base_url", "")
	}

	b, err := backend.New(name, backend.Options{
		BaseURL: baseURL,
		APIKey:  cfg.String(name+".api_key", ""),
		Timeout: time.Duration(cfg.Int(name+".timeout_seconds", 120)) * time.Second,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	models, err := b.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models from %s: %w", name, err)
	}
	if len(models) == 0 {
		fmt.Printf("No models available from %s\n", name)
		return nil
	}
	for _, model := range models {
		fmt.Println(model)
	}
	return nil
}
