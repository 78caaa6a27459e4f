package state

import (
	"fmt"
	"os"
	"syscall"
)

var signalProcess = func(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// Stop sends SIGTERM to a running run's process and marks it stopped. The
// in-flight transcript of that run is not written.
func Stop(name string) (Run, error) {
	run, found, err := Get(name)
	if err != nil {
		return Run{}, err
	}
	if !found {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, name)
	}

	if run.Status == StatusRunning && run.PID > 0 && run.PID != os.Getpid() && ProcessAlive(run.PID) {
		if err := signalProcess(run.PID, syscall.SIGTERM); err != nil {
			return run, fmt.Errorf("signal pid %d: %w", run.PID, err)
		}
	}

	err = Update(name, func(r *Run) {
		if r.Status == StatusRunning || r.Status == StatusStale {
			r.Status = StatusStopped
		}
		r.PID = 0
	})
	if err != nil {
		return run, err
	}
	run, _, err = Get(name)
	return run, err
}
