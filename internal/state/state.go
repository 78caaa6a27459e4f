// Package state keeps a registry of cotloop runs on this machine so that
// status, logs and stop can find them from another process.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Status is the lifecycle state of a registered run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
	StatusStale    Status = "stale"
)

// Run is one registry entry.
type Run struct {
	Name         string `json:"name"`
	RunID        string `json:"run_id,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Status       Status `json:"status"`
	Model        string `json:"model,omitempty"`
	Backend      string `json:"backend,omitempty"`
	QuestionsDir string `json:"questions_dir,omitempty"`
	OutputDir    string `json:"output_dir,omitempty"`
	LogFile      string `json:"log_file,omitempty"`
	Listen       string `json:"listen,omitempty"`

	Total           int    `json:"total"`
	Position        int    `json:"position"`
	Completed       int    `json:"completed"`
	Incomplete      int    `json:"incomplete"`
	WriteFailures   int    `json:"write_failures"`
	CurrentQuestion string `json:"current_question,omitempty"`
	Iteration       int    `json:"iteration"`
	MaxIterations   int    `json:"max_iterations"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// CleanupMode controls how stale runs are handled.
type CleanupMode string

const (
	CleanupMark   CleanupMode = "mark"
	CleanupRemove CleanupMode = "remove"
)

var ErrRunNotFound = errors.New("run not found")

type stateFile struct {
	Runs map[string]Run `json:"runs"`
}

// Init creates the registry file, replacing it when it cannot be decoded.
func Init() error {
	return withLock(initUnlocked)
}

// Get returns a run by name.
func Get(name string) (Run, bool, error) {
	if name == "" {
		return Run{}, false, errors.New("run name is required")
	}

	var run Run
	var found bool
	err := withLock(func() error {
		state, err := loadUnlocked()
		if err != nil {
			return err
		}
		run, found = state.Runs[name]
		return nil
	})
	return run, found, err
}

// Put inserts or replaces a run.
func Put(run Run) error {
	if run.Name == "" {
		return errors.New("run name is required")
	}
	return withLock(func() error {
		state, err := loadUnlocked()
		if err != nil {
			return err
		}
		if run.UpdatedAt.IsZero() {
			run.UpdatedAt = time.Now().UTC()
		}
		state.Runs[run.Name] = run
		return writeStateFile(state)
	})
}

// Update applies fn to an existing run under the registry lock.
func Update(name string, fn func(*Run)) error {
	if name == "" {
		return errors.New("run name is required")
	}
	return withLock(func() error {
		state, err := loadUnlocked()
		if err != nil {
			return err
		}
		run, ok := state.Runs[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, name)
		}
		fn(&run)
		run.Name = name
		run.UpdatedAt = time.Now().UTC()
		state.Runs[name] = run
		return writeStateFile(state)
	})
}

// Delete removes a run by name.
func Delete(name string) error {
	if name == "" {
		return errors.New("run name is required")
	}
	return withLock(func() error {
		state, err := loadUnlocked()
		if err != nil {
			return err
		}
		if _, ok := state.Runs[name]; !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, name)
		}
		delete(state.Runs, name)
		return writeStateFile(state)
	})
}

// List returns all runs ordered by name.
func List() ([]Run, error) {
	var runs []Run
	err := withLock(func() error {
		state, err := loadUnlocked()
		if err != nil {
			return err
		}
		runs = make([]Run, 0, len(state.Runs))
		for _, run := range state.Runs {
			runs = append(runs, run)
		}
		return nil
	})
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Name < runs[j].Name
	})
	return runs, err
}

// CleanupStale marks or removes running entries whose process is gone.
func CleanupStale(mode CleanupMode) ([]string, error) {
	if mode == "" {
		mode = CleanupMark
	}
	if mode != CleanupMark && mode != CleanupRemove {
		return nil, fmt.Errorf("invalid cleanup mode %q", mode)
	}

	cleaned := []string{}
	err := withLock(func() error {
		state, err := loadUnlocked()
		if err != nil {
			return err
		}

		for name, run := range state.Runs {
			if run.Status != StatusRunning || run.PID <= 0 || ProcessAlive(run.PID) {
				continue
			}
			cleaned = append(cleaned, name)
			if mode == CleanupRemove {
				delete(state.Runs, name)
				continue
			}
			run.Status = StatusStale
			run.UpdatedAt = time.Now().UTC()
			state.Runs[name] = run
		}

		if len(cleaned) == 0 {
			return nil
		}
		return writeStateFile(state)
	})
	sort.Strings(cleaned)
	return cleaned, err
}

func initUnlocked() error {
	path := FilePath()
	if path == "" {
		return errors.New("state file path unavailable")
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return writeStateFile(stateFile{})
		}
		return fmt.Errorf("stat state file: %w", err)
	}

	if _, err := readUnlocked(); err != nil {
		return writeStateFile(stateFile{})
	}
	return nil
}

func loadUnlocked() (stateFile, error) {
	if err := initUnlocked(); err != nil {
		return stateFile{}, err
	}
	return readUnlocked()
}

func readUnlocked() (stateFile, error) {
	data, err := os.ReadFile(FilePath())
	if err != nil {
		return stateFile{}, fmt.Errorf("read state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return stateFile{}, fmt.Errorf("decode state file: %w", err)
	}
	if state.Runs == nil {
		state.Runs = map[string]Run{}
	}
	return state, nil
}

func writeStateFile(state stateFile) error {
	if state.Runs == nil {
		state.Runs = map[string]Run{}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := FilePath()
	if path == "" {
		return errors.New("state file path unavailable")
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}
