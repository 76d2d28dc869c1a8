package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Stats is the record of one supervised run. It is produced once, when the
// child has exited, and never mutated afterwards.
type Stats struct {
	Command            string        `json:"command"`
	ExitCode           int           `json:"exit_code"`
	Signal             string        `json:"signal,omitempty"`
	StartTime          time.Time     `json:"start_time"`
	EndTime            time.Time     `json:"end_time"`
	RunningElapsed     time.Duration `json:"running_elapsed"`
	TerminatingElapsed time.Duration `json:"terminating_elapsed"`
	Stdout             string        `json:"stdout"`
	Stderr             string        `json:"stderr"`
	State              State         `json:"state"`
	Fault              string        `json:"fault,omitempty"`
	Truncated          bool          `json:"truncated,omitempty"`
}

// Success reports whether the child exited normally with code 0.
func (s *Stats) Success() bool {
	return s != nil && s.State == StateFinished
}

// Duration returns the wall-clock time between start and exit.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// exitStatus describes how the child ended.
type exitStatus struct {
	code   int
	signal string
	exited bool // terminated via exit(), not by a signal
}

// success is the success predicate: a normal exit with code 0.
func (e exitStatus) success() bool {
	return e.exited && e.code == 0
}

// exitStatusFrom extracts the exit status from a finished command.
// Signaled children get the shell convention 128+signal.
func exitStatusFrom(state *os.ProcessState, waitErr error) exitStatus {
	if state == nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			state = exitErr.ProcessState
		}
	}
	if state == nil {
		return exitStatus{code: 1}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return exitStatus{code: 128 + int(sig), signal: sig.String()}
	}

	return exitStatus{code: state.ExitCode(), exited: state.Exited()}
}

func (s *Stats) String() string {
	return fmt.Sprintf("state=%s exit_code=%d running=%s", s.State, s.ExitCode, s.RunningElapsed)
}
