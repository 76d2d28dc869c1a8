// Package metrics records guarded run outcomes as Prometheus metrics.
//
// A cron invocation lives too briefly to be scraped, so a Recorder owns its
// own registry and ships it once per run: pushed to a Pushgateway, or written
// to a node_exporter textfile.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Namespace prefixes every metric name.
const Namespace = "cronguard"

// Contention holder labels.
const (
	HolderSelf  = "self"
	HolderOther = "other"
)

// Recorder collects the metrics of one invocation. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	contentionTotal *prometheus.CounterVec
	faultsTotal     *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	exitCode        *prometheus.GaugeVec
	lastSuccess     *prometheus.GaugeVec
}

// New creates a recorder with a private registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Guarded runs by final supervisor state",
		}, []string{"command", "state"}),
		contentionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Runs skipped because the lock was held",
		}, []string{"command", "holder"}),
		faultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "faults_total",
			Help:      "Supervisor wait loop faults that forced a kill",
		}, []string{"command"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Invocations aborted before producing stats",
		}, []string{"command"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of guarded runs",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9), // 1s to ~18h
		}, []string{"command"}),
		exitCode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_exit_code",
			Help:      "Exit code of the last run",
		}, []string{"command"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}, []string{"command"}),
	}
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// RecordRun records a run that produced stats.
func (r *Recorder) RecordRun(command, state string, exitCode int, duration time.Duration, fault, success bool) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(command, state).Inc()
	r.runDuration.WithLabelValues(command).Observe(duration.Seconds())
	r.exitCode.WithLabelValues(command).Set(float64(exitCode))
	if fault {
		r.faultsTotal.WithLabelValues(command).Inc()
	}
	if success {
		r.lastSuccess.WithLabelValues(command).SetToCurrentTime()
	}
}

// RecordContention records a skipped run.
func (r *Recorder) RecordContention(command string, local bool) {
	if r == nil {
		return
	}
	holder := HolderOther
	if local {
		holder = HolderSelf
	}
	r.contentionTotal.WithLabelValues(command, holder).Inc()
}

// RecordError records an invocation aborted by an unexpected error.
func (r *Recorder) RecordError(command string) {
	if r == nil {
		return
	}
	r.errorsTotal.WithLabelValues(command).Inc()
}

// Push sends the registry to a Pushgateway, grouped by instance. Series are
// labelled by command since the gateway rejects a job label on pushed series.
func (r *Recorder) Push(ctx context.Context, gatewayURL, job, instance string) error {
	if r == nil {
		return nil
	}
	pusher := push.New(gatewayURL, job).Gatherer(r.registry)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// WriteTextfile writes the registry in the text exposition format for the
// node_exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
