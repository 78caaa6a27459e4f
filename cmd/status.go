package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of all cotloop runs",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := state.Init(); err != nil {
		return err
	}

	_, _ = state.CleanupStale(state.CleanupMark)

	runs, err := state.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		fmt.Println("Start a new run with: cotloop run --questions-dir <dir> --output-dir <dir>")
		return nil
	}

	nameWidth := len("NAME")
	modelWidth := len("MODEL")
	dirWidth := len("OUTPUT")
	questionWidth := len("QUESTION")
	iterWidth := len("ITERATION")
	statusWidth := len("STATUS")

	displayDirs := make([]string, len(runs))
	for i, run := range runs {
		displayDirs[i] = truncateDir(run.OutputDir, 40)
		nameWidth = max(nameWidth, len(run.Name))
		modelWidth = max(modelWidth, len(run.Model))
		dirWidth = max(dirWidth, len(displayDirs[i]))
	}

	fmt.Printf("%-*s  %-*s  %-*s  %-*s  %-*s  %-*s  %s\n", nameWidth, "NAME", modelWidth, "MODEL", dirWidth, "OUTPUT", questionWidth, "QUESTION", iterWidth, "ITERATION", statusWidth, "STATUS", "DONE")
	fmt.Printf("%-*s  %-*s  %-*s  %-*s  %-*s  %-*s  %s\n", nameWidth, strings.Repeat("-", nameWidth), modelWidth, strings.Repeat("-", modelWidth), dirWidth, strings.Repeat("-", dirWidth), questionWidth, strings.Repeat("-", questionWidth), iterWidth, strings.Repeat("-", iterWidth), statusWidth, strings.Repeat("-", statusWidth), "----")

	for i, run := range runs {
		questionDisplay := fmt.Sprintf("%d/%d", run.Position, run.Total)
		iterDisplay := fmt.Sprintf("%d/%d", run.Iteration, run.MaxIterations)
		fmt.Printf("%-*s  %-*s  %-*s  %-*s  %-*s  %-*s  %s\n", nameWidth, run.Name, modelWidth, run.Model, dirWidth, displayDirs[i], questionWidth, questionDisplay, iterWidth, iterDisplay, statusWidth, run.Status, formatDone(run))
	}

	fmt.Println("")
	fmt.Println("Commands: cotloop logs <name>, cotloop stop <name>")
	return nil
}

func truncateDir(dir string, limit int) string {
	if limit <= 0 || len(dir) <= limit {
		return dir
	}
	if limit <= 3 {
		return dir[:limit]
	}
	return "..." + dir[len(dir)-(limit-3):]
}

func formatDone(run state.Run) string {
	done := fmt.Sprintf("%d ok", run.Completed)
	if run.Incomplete > 0 {
		done += fmt.Sprintf(", %d incomplete", run.Incomplete)
	}
	if run.WriteFailures > 0 {
		done += fmt.Sprintf(", %d unsaved", run.WriteFailures)
	}
	return done
}
