package core

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultLogName is the run log written into the output directory.
const DefaultLogName = "cotloop.log"

const defaultRetainDays = 7

// LogWriter appends to a run log file.
type LogWriter struct {
	path   string
	writer io.Writer
	closer io.Closer
}

// OpenLog opens path for appending after removing logs older than retainDays
// that share its name stem, so cotloop.log prunes cotloop*.log and leaves
// other files in the directory alone.
func OpenLog(path string, retainDays int) (*LogWriter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	cleanupOldLogs(dir, strings.TrimSuffix(filepath.Base(path), ".log"), retainDays)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &LogWriter{path: path, writer: file, closer: file}, nil
}

func (l *LogWriter) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *LogWriter) Write(p []byte) (int, error) {
	if l == nil || l.writer == nil {
		return len(p), nil
	}
	return l.writer.Write(p)
}

func (l *LogWriter) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NewLogger returns a text logger writing to console and, when set, the run
// log as well.
func NewLogger(console io.Writer, file *LogWriter, level slog.Level) *slog.Logger {
	var out io.Writer = console
	if console == nil {
		out = io.Discard
	}
	if file != nil {
		out = io.MultiWriter(out, file)
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(value) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
	return level, nil
}

func cleanupOldLogs(logDir, stem string, retainDays int) {
	if retainDays <= 0 {
		retainDays = defaultRetainDays
	}

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-time.Duration(retainDays) * 24 * time.Hour)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, stem) || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(logDir, name))
		}
	}
}
