package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/core"
	"github.com/goosewin/cotloop/internal/state"
)

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Show logs for a cotloop run",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVar(&logsFollow, "follow", false, "Follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 100, "Number of trailing lines to show")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	if err := state.Init(); err != nil {
		return err
	}

	name := args[0]
	run, found, err := state.Get(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("run not found: %s", name)
	}

	logFile := runLogPath(run)
	if logFile == "" {
		return errors.New("cannot determine log file path")
	}
	if _, err := os.Stat(logFile); err != nil {
		return fmt.Errorf("log file does not exist: %s", logFile)
	}

	fmt.Printf("Run: %s (status: %s)\n", name, run.Status)
	fmt.Printf("Log file: %s\n\n", logFile)

	if logsFollow {
		return followLogFile(cmd, logFile, logsLines)
	}

	lines, err := tailLines(logFile, logsLines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func runLogPath(run state.Run) string {
	if run.LogFile != "" {
		return run.LogFile
	}
	if run.OutputDir != "" {
		return filepath.Join(run.OutputDir, core.DefaultLogName)
	}
	return ""
}

func tailLines(path string, limit int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if limit <= 0 {
		return []string{}, nil
	}

	buffer := make([]string, 0, limit)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buffer) == limit {
			copy(buffer, buffer[1:])
			buffer[limit-1] = line
		} else {
			buffer = append(buffer, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buffer, nil
}

// followLogFile prints the tail of path and then prints appended lines as
// fsnotify reports writes, until the command context is cancelled.
func followLogFile(cmd *cobra.Command, path string, limit int) error {
	lines, err := tailLines(path, limit)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch log file: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch log dir: %w", err)
	}

	ctx := cmd.Context()
	reader := bufio.NewReader(file)
	var partial string
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) || !event.Has(fsnotify.Write) {
				continue
			}
			partial, err = printAppended(os.Stdout, reader, partial)
			if err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch log file: %w", err)
		}
	}
}

// printAppended prints every complete line available from reader and
// returns the trailing partial line.
func printAppended(w io.Writer, reader *bufio.Reader, partial string) (string, error) {
	for {
		chunk, err := reader.ReadString('\n')
		partial += chunk
		if err == io.EOF {
			return partial, nil
		}
		if err != nil {
			return partial, err
		}
		fmt.Fprintln(w, strings.TrimRight(partial, "\n"))
		partial = ""
	}
}
