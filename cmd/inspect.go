package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/core"
	"github.com/goosewin/cotloop/internal/transcript"
)

var inspectFull bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Print a transcript and verify its iteration chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectFull, "full", false, "Print full responses instead of previews")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	t, err := transcript.Read(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Question: %s", t.QuestionID)
	if t.Category != "" {
		fmt.Fprintf(out, " (%s)", t.Category)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Model:    %s", t.Model)
	if t.Backend != "" {
		fmt.Fprintf(out, " via %s", t.Backend)
	}
	fmt.Fprintln(out)
	if t.RunID != "" {
		fmt.Fprintf(out, "Run:      %s\n", t.RunID)
	}
	fmt.Fprintf(out, "Achieved: %d/%d", t.Achieved, t.Requested)
	if t.Incomplete {
		fmt.Fprint(out, " (incomplete)")
	}
	fmt.Fprintln(out)
	if !t.StartedAt.IsZero() && !t.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Duration: %s\n", t.FinishedAt.Sub(t.StartedAt).Round(time.Millisecond))
	}
	if t.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", t.Error)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, preview(t.QuestionText, 100))

	for _, it := range t.Iterations {
		fmt.Fprintf(out, "\n[%d] %dms %s\n", it.Index, it.DurationMs, it.Timestamp.Format(time.RFC3339))
		fmt.Fprintln(out, preview(it.Output, 150))
	}

	fmt.Fprintln(out)
	if err := t.VerifyChain(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	fmt.Fprintln(out, "Chain: ok")
	return nil
}

func preview(text string, width int) string {
	if inspectFull {
		return text
	}
	return core.Preview(text, width)
}
