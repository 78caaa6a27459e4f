package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/state"
)

var stopAll bool

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a running cotloop run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().BoolVarP(&stopAll, "all", "a", false, "Stop all running runs")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	if err := state.Init(); err != nil {
		return err
	}

	if stopAll {
		return stopAllRuns()
	}

	if len(args) == 0 || args[0] == "" {
		return errors.New("run name is required (use --all to stop all runs)")
	}

	name := args[0]
	if _, err := state.Stop(name); err != nil {
		if errors.Is(err, state.ErrRunNotFound) {
			return fmt.Errorf("run not found: %s", name)
		}
		return err
	}

	fmt.Printf("Stopped run: %s\n", name)
	return nil
}

func stopAllRuns() error {
	runs, err := state.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	stopped := 0
	for _, run := range runs {
		if run.Status != state.StatusRunning {
			continue
		}
		if _, err := state.Stop(run.Name); err != nil {
			return err
		}
		fmt.Printf("Stopped run: %s\n", run.Name)
		stopped++
	}

	if stopped == 0 {
		fmt.Println("No running runs to stop")
		return nil
	}

	fmt.Printf("Stopped %d run(s)\n", stopped)
	return nil
}
