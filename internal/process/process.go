package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/cronguard/internal/events"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultTimeout      = 24 * time.Hour
	DefaultGrace        = 5 * time.Second
	DefaultPollInterval = time.Second

	// outputWaitDelay bounds how long Wait keeps draining pipes held open by
	// grandchildren after the child itself exited.
	outputWaitDelay = 2 * time.Second
)

var (
	// ErrAlreadyStarted is returned by Run on a supervisor that already ran.
	ErrAlreadyStarted = errors.New("process already started")
	// ErrEmptyCommand is returned by Run when there is nothing to execute.
	ErrEmptyCommand = errors.New("empty command")
)

// Ticker delivers poll ticks to the wait loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates the Ticker driving the wait loop.
type TickerFunc func(interval time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the wall-clock TickerFunc.
func NewTimeTicker(interval time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(interval)}
}

// signalFunc delivers a signal to the process group led by pid.
type signalFunc func(pid int, sig syscall.Signal) error

func signalProcessGroup(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}

// Options configures a Supervisor.
type Options struct {
	// Timeout is the running budget before the graceful stop signal.
	Timeout time.Duration

	// Grace is the budget between the graceful stop and the forced kill.
	Grace time.Duration

	// PollInterval is the length of one tick.
	PollInterval time.Duration

	// Shell is prepended to the command text. Defaults to DefaultShell.
	Shell []string

	// CaptureLimit caps captured bytes per output stream.
	CaptureLimit int

	// OutputHandler receives each output line (optional).
	OutputHandler OutputHandler

	// Logger for supervisor messages. If nil, uses slog.Default().
	Logger *slog.Logger

	// Events receives state transitions and faults (optional).
	Events *events.Bus

	// OnFault is called when the wait loop fails and the child was force-killed.
	OnFault func(err error)

	// Ticker overrides the tick source, for tests.
	Ticker TickerFunc
}

// Supervisor runs one child command under the escalation state machine.
type Supervisor struct {
	command string
	opts    Options
	logger  *slog.Logger
	machine *Machine
	signal  signalFunc

	cmd    *exec.Cmd
	stdout *captureWriter
	stderr *captureWriter
	start  time.Time

	mu      sync.Mutex
	started bool
	stats   *Stats
}

// New creates a supervisor for the command text.
func New(command string, opts *Options) *Supervisor {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if len(o.Shell) == 0 {
		o.Shell = DefaultShell
	}
	if o.Ticker == nil {
		o.Ticker = NewTimeTicker
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		command: command,
		opts:    o,
		logger:  logger,
		machine: NewMachine(o.Timeout, o.Grace),
		signal:  signalProcessGroup,
	}
}

// Command returns the command text.
func (s *Supervisor) Command() string {
	return s.command
}

// State returns the current state. Safe to call only from the goroutine running Run
// or after Run returned.
func (s *Supervisor) State() State {
	return s.machine.State()
}

// Run starts the child and blocks until it has exited, escalating from
// graceful stop to forced kill as the timeouts expire. A failing wait loop
// force-kills the child and still yields stats, with Stats.Fault set.
// The error return is for children that could not be started.
func (s *Supervisor) Run() (*Stats, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.Stats(), ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if strings.TrimSpace(s.command) == "" {
		s.logger.Error("Empty command")
		return nil, ErrEmptyCommand
	}

	processDone, err := s.startProcess()
	if err != nil {
		return nil, err
	}

	waitErr, fault := s.poll(processDone)
	if fault != nil {
		s.handleFault(fault)
		waitErr = <-processDone
	}

	return s.collect(waitErr, fault), nil
}

// Stats returns the run record, or nil before the child has exited.
// Every call returns an identical copy.
func (s *Supervisor) Stats() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return nil
	}
	stats := *s.stats
	return &stats
}

// startProcess spawns the child in its own process group with both output
// streams drained into capture writers.
func (s *Supervisor) startProcess() (<-chan error, error) {
	args := append(slices.Clone(s.opts.Shell), s.command)

	s.cmd = exec.Command(args[0], args[1:]...)
	s.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	s.cmd.WaitDelay = outputWaitDelay

	s.stdout = newCaptureWriter("stdout", s.opts.CaptureLimit, s.opts.OutputHandler, s.logger)
	s.stderr = newCaptureWriter("stderr", s.opts.CaptureLimit, s.opts.OutputHandler, s.logger)
	s.cmd.Stdout = s.stdout
	s.cmd.Stderr = s.stderr

	s.start = time.Now()
	if err := s.cmd.Start(); err != nil {
		s.logger.Error("Failed to start process", "error", err, "command", s.command)
		return nil, fmt.Errorf("start process: %w", err)
	}

	s.machine.Start()
	s.logger.Info("Process started", "pid", s.cmd.Process.Pid, "command", s.command,
		"timeout", s.opts.Timeout, "grace", s.opts.Grace)
	s.publishState(StateInit, StateRunning)

	processDone := make(chan error, 1)
	go func() {
		processDone <- s.cmd.Wait()
	}()

	return processDone, nil
}

// poll blocks until the child exits or the loop faults. A panic inside the
// loop is converted into a fault.
func (s *Supervisor) poll(processDone <-chan error) (waitErr, fault error) {
	ticker := s.opts.Ticker(s.opts.PollInterval)
	defer ticker.Stop()

	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Errorf("wait loop panic: %v", r)
		}
	}()

	for {
		select {
		case err := <-processDone:
			return err, nil
		case <-ticker.C():
			if err := s.tick(); err != nil {
				return nil, err
			}
		}
	}
}

// tick advances the machine by one interval and performs the resulting action.
func (s *Supervisor) tick() error {
	from := s.machine.State()

	switch s.machine.Tick(s.opts.PollInterval) {
	case ActionTerminate:
		s.logger.Warn("Timeout reached, sending SIGTERM",
			"pid", s.cmd.Process.Pid, "running", s.machine.RunningElapsed())
		if err := s.signalGroup(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
	case ActionKill:
		s.logger.Warn("Grace period expired, sending SIGKILL",
			"pid", s.cmd.Process.Pid, "terminating", s.machine.TerminatingElapsed())
		if err := s.signalGroup(syscall.SIGKILL); err != nil {
			return fmt.Errorf("send SIGKILL: %w", err)
		}
	case ActionNone:
	}

	if to := s.machine.State(); to != from {
		s.publishState(from, to)
	}
	return nil
}

// signalGroup signals the child's process group. A group that is already
// gone is not an error.
func (s *Supervisor) signalGroup(sig syscall.Signal) error {
	err := s.signal(s.cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// handleFault force-kills the child without going through the signal path
// that may just have failed.
func (s *Supervisor) handleFault(fault error) {
	pid := s.cmd.Process.Pid
	s.logger.Error("Wait loop failed, killing process", "pid", pid, "error", fault)

	from := s.machine.State()
	s.machine.ForceKill()

	_ = unix.Kill(-pid, syscall.SIGKILL)
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Failed to kill process", "pid", pid, "error", err)
	}

	if to := s.machine.State(); to != from {
		s.publishState(from, to)
	}

	s.opts.Events.Publish(events.RunFaultEvent{
		Command:   s.command,
		PID:       pid,
		Error:     fault.Error(),
		Timestamp: time.Now().Format(time.RFC3339),
	})

	if s.opts.OnFault != nil {
		s.opts.OnFault(fault)
	}
}

// collect builds the immutable stats record once the child has exited.
func (s *Supervisor) collect(waitErr, fault error) *Stats {
	end := time.Now()
	s.stdout.flush()
	s.stderr.flush()

	status := exitStatusFrom(s.cmd.ProcessState, waitErr)
	if waitErr != nil && s.cmd.ProcessState == nil {
		s.logger.Error("Process exited with error", "error", waitErr)
	}

	from := s.machine.State()
	s.machine.Finish(status.success())
	if to := s.machine.State(); to != from {
		s.publishState(from, to)
	}

	stats := &Stats{
		Command:            s.command,
		ExitCode:           status.code,
		Signal:             status.signal,
		StartTime:          s.start,
		EndTime:            end,
		RunningElapsed:     s.machine.RunningElapsed(),
		TerminatingElapsed: s.machine.TerminatingElapsed(),
		Stdout:             s.stdout.String(),
		Stderr:             s.stderr.String(),
		State:              s.machine.State(),
		Truncated:          s.stdout.Truncated() || s.stderr.Truncated(),
	}
	if fault != nil {
		stats.Fault = fault.Error()
	}

	s.logger.Info("Process exited", "pid", s.cmd.Process.Pid, "exit_code", stats.ExitCode,
		"state", stats.State, "duration", stats.Duration())

	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()

	return s.Stats()
}

func (s *Supervisor) publishState(from, to State) {
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.logger.Debug("State changed", "from", from, "to", to)
	s.opts.Events.Publish(events.StateChangedEvent{
		Command:   s.command,
		PID:       pid,
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
