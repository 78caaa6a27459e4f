package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var ErrLockTimeout = errors.New("run registry lock timeout")

const (
	defaultLockTimeout = 10 * time.Second
	lockPollInterval   = 100 * time.Millisecond
)

// unlocker releases a registry lock.
type unlocker interface {
	unlock()
}

type flockUnlocker struct{ file *os.File }

func (f flockUnlocker) unlock() {
	_ = syscall.Flock(int(f.file.Fd()), syscall.LOCK_UN)
	_ = f.file.Close()
}

type dirUnlocker struct{ dir string }

func (d dirUnlocker) unlock() {
	_ = os.RemoveAll(d.dir)
}

// withLock serializes registry access across processes. The lock lives next
// to the registry file; flock is preferred and a lock directory holding the
// owner pid is used where flock is unsupported.
func withLock(fn func() error) error {
	path := FilePath()
	if path == "" {
		return errors.New("state directory unavailable")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	deadline := time.Now().Add(lockTimeout())
	lock, err := lockFile(path+".lock", deadline)
	if errors.Is(err, errors.ErrUnsupported) {
		lock, err = lockDir(path+".lock.d", deadline)
	}
	if err != nil {
		return err
	}
	defer lock.unlock()
	return fn()
}

func lockFile(path string, deadline time.Time) (unlocker, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %v", errors.ErrUnsupported, err)
	}

	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		switch {
		case err == nil:
			return flockUnlocker{file: file}, nil
		case errors.Is(err, syscall.EWOULDBLOCK):
			if time.Now().After(deadline) {
				file.Close()
				return nil, ErrLockTimeout
			}
			time.Sleep(lockPollInterval)
		case errors.Is(err, syscall.ENOSYS), errors.Is(err, syscall.EOPNOTSUPP), errors.Is(err, syscall.ENOTSUP):
			file.Close()
			return nil, fmt.Errorf("%w: flock: %v", errors.ErrUnsupported, err)
		default:
			file.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
	}
}

// lockDir takes the lock by creating dir. A lock left behind by a dead
// process is broken.
func lockDir(dir string, deadline time.Time) (unlocker, error) {
	ownerFile := filepath.Join(dir, "pid")
	for {
		if err := os.Mkdir(dir, 0o755); err == nil {
			_ = os.WriteFile(ownerFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
			return dirUnlocker{dir: dir}, nil
		}

		if owner := readOwner(ownerFile); owner != 0 && !ProcessAlive(owner) {
			_ = os.RemoveAll(dir)
			continue
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

func readOwner(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// lockTimeout reads COTLOOP_LOCK_TIMEOUT as a duration ("30s") or a number
// of seconds.
func lockTimeout() time.Duration {
	value := strings.TrimSpace(os.Getenv("COTLOOP_LOCK_TIMEOUT"))
	if value == "" {
		return defaultLockTimeout
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultLockTimeout
}

// FilePath returns the location of the run registry: COTLOOP_STATE_FILE,
// else runs.json under COTLOOP_STATE_DIR or ~/.config/cotloop.
func FilePath() string {
	if value := os.Getenv("COTLOOP_STATE_FILE"); value != "" {
		return value
	}
	dir := os.Getenv("COTLOOP_STATE_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return ""
		}
		dir = filepath.Join(home, ".config", "cotloop")
	}
	return filepath.Join(dir, "runs.json")
}
