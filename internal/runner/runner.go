// Package runner guards one invocation of a command: it takes the
// single-instance lock for the command, supervises the child inside the
// lock's scope and turns every unexpected failure into a report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/smazurov/cronguard/internal/events"
	"github.com/smazurov/cronguard/internal/lock"
	"github.com/smazurov/cronguard/internal/metrics"
	"github.com/smazurov/cronguard/internal/notify"
	"github.com/smazurov/cronguard/internal/process"
)

// Defaults applied to zero Job fields.
const (
	DefaultPrefix     = "lock"
	DefaultLockMargin = 30 * time.Second
)

// Outcome states reported for invocations that produced no stats.
const (
	StateSkipped = "SKIPPED"
	StateError   = "ERROR"
)

var (
	// ErrLocalContention is returned when this host already holds the lock,
	// i.e. the previous run of the same command has not finished yet.
	ErrLocalContention = errors.New("lock held by this host")
	// ErrPanic wraps a panic recovered while guarding the run.
	ErrPanic = errors.New("panic while guarding run")
)

// Job describes one guarded invocation.
type Job struct {
	Command      string
	Prefix       string
	Timeout      time.Duration
	Grace        time.Duration
	LockMargin   time.Duration
	PollInterval time.Duration
	Shell        []string
	CaptureLimit int

	// OutputHandler receives output lines while the child runs (optional).
	OutputHandler process.OutputHandler

	// Ticker overrides the supervisor's tick source, for tests.
	Ticker process.TickerFunc
}

func (j Job) withDefaults() Job {
	if j.Prefix == "" {
		j.Prefix = DefaultPrefix
	}
	if j.Timeout <= 0 {
		j.Timeout = process.DefaultTimeout
	}
	if j.Grace <= 0 {
		j.Grace = process.DefaultGrace
	}
	if j.LockMargin <= 0 {
		j.LockMargin = DefaultLockMargin
	}
	return j
}

// Key returns the lock key guarding the job.
func (j Job) Key() string {
	return lock.Key(j.withDefaults().Prefix, j.Command)
}

// TTL returns the lock lifetime: long enough to cover the running budget, the
// grace period and a safety margin.
func (j Job) TTL() time.Duration {
	j = j.withDefaults()
	return j.Timeout + j.Grace + j.LockMargin
}

// Options wires a Runner to its collaborators. Only Locker is required.
type Options struct {
	Locker   *lock.Locker
	Notifier notify.Notifier
	Metrics  *metrics.Recorder
	Events   *events.Bus
	Logger   *slog.Logger

	// Diagnostics returns recent log lines appended to failure reports (optional).
	Diagnostics func() []string
}

// Runner composes the lock and the supervisor.
type Runner struct {
	locker      *lock.Locker
	notifier    notify.Notifier
	metrics     *metrics.Recorder
	events      *events.Bus
	logger      *slog.Logger
	diagnostics func() []string
}

// New creates a runner.
func New(opts *Options) *Runner {
	r := &Runner{
		notifier: notify.Nop{},
		logger:   slog.Default(),
	}
	if opts == nil {
		return r
	}

	r.locker = opts.Locker
	r.metrics = opts.Metrics
	r.events = opts.Events
	r.diagnostics = opts.Diagnostics
	if opts.Notifier != nil {
		r.notifier = opts.Notifier
	}
	if opts.Logger != nil {
		r.logger = opts.Logger
	}
	return r
}

// Run executes job under its lock and returns the run's stats.
//
// A lock held by another host is the normal outcome of mutual exclusion and
// returns nil stats and a nil error. A lock held by this host returns
// ErrLocalContention and is reported. Any other failure, including a
// coordinator fault, a child that could not be started, a failed release or
// a panic, is reported and returns nil stats with the error. The command is
// never run without the lock.
func (r *Runner) Run(ctx context.Context, job Job) (stats *process.Stats, err error) {
	job = job.withDefaults()
	key := lock.Key(job.Prefix, job.Command)
	logger := r.logger.With("key", key)
	started := time.Now()

	var partial *process.Stats
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Recovered panic", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
		}
		if err != nil {
			stats = nil
			if !errors.Is(err, ErrLocalContention) {
				r.reportError(ctx, logger, job, key, err, partial)
			}
		}
		r.complete(job, stats, err, time.Since(started))
	}()

	if r.locker == nil {
		return nil, errors.New("runner has no locker")
	}

	acq, err := r.locker.Do(ctx, key, job.TTL(), func(context.Context) error {
		s, runErr := r.supervise(ctx, logger, job)
		partial = s
		return runErr
	})
	if err != nil {
		return nil, err
	}
	if !acq.Acquired() {
		return nil, r.contended(ctx, logger, job, key, acq.Holder)
	}

	return partial, nil
}

// supervise runs the child. It is only ever called with the lock held.
func (r *Runner) supervise(ctx context.Context, logger *slog.Logger, job Job) (*process.Stats, error) {
	logger.Info("Running command", "command", job.Command, "timeout", job.Timeout, "grace", job.Grace)

	sup := process.New(job.Command, &process.Options{
		Timeout:       job.Timeout,
		Grace:         job.Grace,
		PollInterval:  job.PollInterval,
		Shell:         job.Shell,
		CaptureLimit:  job.CaptureLimit,
		OutputHandler: job.OutputHandler,
		Logger:        logger,
		Events:        r.events,
		Ticker:        job.Ticker,
		OnFault: func(fault error) {
			r.reportFault(ctx, job, fault)
		},
	})

	stats, err := sup.Run()
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", job.Command, err)
	}

	logger.Info("Command exited",
		"state", stats.State,
		"exit_code", stats.ExitCode,
		"duration", stats.Duration(),
	)
	return stats, nil
}

func (r *Runner) contended(ctx context.Context, logger *slog.Logger, job Job, key, holder string) error {
	local := holder != "" && holder == r.locker.Identity()
	r.metrics.RecordContention(job.Command, local)
	r.events.Publish(events.LockContendedEvent{
		Key:       key,
		Holder:    holder,
		Local:     local,
		Timestamp: time.Now().Format(time.RFC3339),
	})

	if !local {
		logger.Info("Lock held by another host, skipping", "holder", holder)
		return nil
	}

	msg := "Failed acquiring lock: " + key
	logger.Warn(msg, "holder", holder)
	r.notifier.Send(ctx, subject(job, "lock held"), r.body(msg))
	return ErrLocalContention
}

func (r *Runner) reportFault(ctx context.Context, job Job, fault error) {
	r.notifier.Send(ctx, subject(job, "supervisor fault"),
		r.body(fmt.Sprintf("The wait loop failed and the command was killed: %v", fault)))
}

func (r *Runner) reportError(ctx context.Context, logger *slog.Logger, job Job, key string, err error, partial *process.Stats) {
	logger.Error("Guarded run failed", "error", err)

	var b strings.Builder
	fmt.Fprintf(&b, "Error guarding %s: %v\n", key, err)
	if partial != nil {
		fmt.Fprintf(&b, "\n%s\n", partial)
	}
	r.notifier.Send(ctx, subject(job, "error"), r.body(b.String()))
}

// complete records metrics and publishes the final event of the invocation.
func (r *Runner) complete(job Job, stats *process.Stats, err error, elapsed time.Duration) {
	ev := events.RunCompletedEvent{
		Command:    job.Command,
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  time.Now().Format(time.RFC3339),
	}

	switch {
	case stats != nil:
		ev.State = string(stats.State)
		ev.ExitCode = stats.ExitCode
		ev.DurationMs = stats.Duration().Milliseconds()
		r.metrics.RecordRun(job.Command, ev.State, stats.ExitCode, stats.Duration(), stats.Fault != "", stats.Success())
	case err != nil && !errors.Is(err, ErrLocalContention):
		ev.State = StateError
		ev.ExitCode = -1
		r.metrics.RecordError(job.Command)
	default:
		ev.State = StateSkipped
	}

	r.events.Publish(ev)
}

func (r *Runner) body(text string) string {
	if r.diagnostics == nil {
		return text
	}
	lines := r.diagnostics()
	if len(lines) == 0 {
		return text
	}
	return text + "\n\nRecent log:\n" + strings.Join(lines, "\n")
}

func subject(job Job, what string) string {
	return fmt.Sprintf("cronguard %s: %s", what, job.Command)
}
