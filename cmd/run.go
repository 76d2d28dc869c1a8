package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/smazurov/cronguard/internal/coordinator"
	"github.com/smazurov/cronguard/internal/events"
	"github.com/smazurov/cronguard/internal/lock"
	"github.com/smazurov/cronguard/internal/logging"
	"github.com/smazurov/cronguard/internal/metrics"
	"github.com/smazurov/cronguard/internal/nats"
	"github.com/smazurov/cronguard/internal/notify"
	"github.com/smazurov/cronguard/internal/process"
	"github.com/smazurov/cronguard/internal/runner"
)

// Exit codes of a guarded invocation besides the child's own.
const (
	ExitFault = 1
	// ExitTempFail (EX_TEMPFAIL) means this host is still running the previous invocation.
	ExitTempFail = 75
)

// bridgeStopTimeout bounds the wait for the completion event to reach NATS.
const bridgeStopTimeout = 5 * time.Second

// ExitCode maps the outcome of a guarded run to the process exit code.
func ExitCode(stats *process.Stats, err error) int {
	switch {
	case errors.Is(err, runner.ErrLocalContention):
		return ExitTempFail
	case err != nil:
		return ExitFault
	case stats == nil:
		// held by another host
		return 0
	case stats.ExitCode < 0 || stats.ExitCode > 255:
		return ExitFault
	default:
		return stats.ExitCode
	}
}

// Guard runs the command given by args under its lock and returns the exit
// code. Captured output is forwarded to stdout and stderr after the run and
// reported through the notifier.
func Guard(ctx context.Context, opts *Options, args []string, stdout, stderr io.Writer) int {
	logger := logging.GetLogger("main")

	command := strings.TrimSpace(strings.Join(args, " "))
	if command == "" {
		fmt.Fprintln(stderr, "cronguard: no command given")
		return ExitFault
	}

	job, err := opts.Job(command)
	if err != nil {
		fmt.Fprintf(stderr, "cronguard: %v\n", err)
		return ExitFault
	}

	if opts.NatsEmbedded != "" {
		url, stop, serveErr := nats.Serve(opts.NatsEmbedded, logging.GetLogger("nats"))
		if serveErr != nil {
			logger.Warn("Embedded NATS server disabled", "error", serveErr)
		} else {
			defer stop()
			if opts.NatsURL == "" {
				served := *opts
				served.NatsURL = url
				opts = &served
			}
		}
	}

	identity := opts.HolderIdentity()
	notifier := opts.Notifier(identity, logging.GetLogger("notify"))

	backend, err := coordinator.Open(opts.Coordinator)
	if err != nil {
		logger.Error("Failed to open coordinator", "error", err)
		notifier.Send(ctx, "cronguard error: "+command, fmt.Sprintf("Coordinator %q unusable: %v", opts.Coordinator, err))
		return ExitFault
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Warn("Failed to close coordinator", "error", closeErr)
		}
	}()

	bus := events.New()
	if opts.NatsEvents && opts.NatsURL != "" {
		bridge := nats.NewBridge(opts.NatsURL, identity, bus, logging.GetLogger("nats"))
		if startErr := bridge.Start(); startErr != nil {
			logger.Warn("NATS event bridge disabled", "error", startErr)
		} else {
			defer bridge.Stop(bridgeStopTimeout)
		}
	}

	recorder := metrics.New()
	defer flushMetrics(ctx, opts, recorder, identity)

	r := runner.New(&runner.Options{
		Locker:   lock.NewLocker(backend, identity, logging.GetLogger("lock")),
		Notifier: notifier,
		Metrics:  recorder,
		Events:   bus,
		Logger:   logging.GetLogger("runner"),
		Diagnostics: func() []string {
			return logging.RecentLines(opts.ReportLogLines)
		},
	})

	stats, err := r.Run(ctx, job)
	if stats != nil {
		forward(ctx, notifier, command, "stderr", stats.Stderr, stderr)
		forward(ctx, notifier, command, "stdout", stats.Stdout, stdout)
	}
	return ExitCode(stats, err)
}

// forward prints captured output and reports it when non-empty.
func forward(ctx context.Context, notifier notify.Notifier, command, stream, output string, w io.Writer) {
	output = strings.TrimSpace(output)
	if output == "" {
		return
	}
	notifier.Send(ctx, fmt.Sprintf("cronguard %s: %s", stream, command), output)
	fmt.Fprintln(w, output)
}

func flushMetrics(ctx context.Context, opts *Options, recorder *metrics.Recorder, identity string) {
	logger := logging.GetLogger("main")
	if opts.MetricsPushgateway != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := recorder.Push(pushCtx, opts.MetricsPushgateway, "cronguard", identity); err != nil {
			logger.Warn("Failed to push metrics", "error", err)
		}
	}
	if opts.MetricsTextfile != "" {
		if err := recorder.WriteTextfile(opts.MetricsTextfile); err != nil {
			logger.Warn("Failed to write metrics textfile", "error", err)
		}
	}
}
