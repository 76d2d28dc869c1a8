package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/smazurov/cronguard/internal/config"
	"github.com/smazurov/cronguard/internal/logging"
	"github.com/smazurov/cronguard/internal/notify"
	"github.com/smazurov/cronguard/internal/process"
	"github.com/smazurov/cronguard/internal/runner"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"/etc/cronguard.toml"`

	// Process settings
	Timeout      int    `help:"Running timeout in seconds" short:"t" default:"86400" toml:"process.timeout" env:"TIMEOUT"`
	Grace        int    `help:"Seconds between the graceful stop and the forced kill" short:"g" default:"5" toml:"process.grace" env:"GRACE"`
	PollInterval string `help:"Supervisor poll interval (seconds or Go duration)" default:"1s" toml:"process.poll_interval" env:"POLL_INTERVAL"`
	Shell        string `help:"Shell the command text is passed to" default:"/bin/sh -c" toml:"process.shell" env:"SHELL_COMMAND"`
	CaptureLimit int    `help:"Bytes of output captured per stream" default:"1048576" toml:"process.capture_limit" env:"CAPTURE_LIMIT"`

	// Lock settings
	Prefix      string `help:"Lock key prefix" short:"p" default:"lock" toml:"lock.prefix" env:"PREFIX"`
	LockMargin  int    `help:"Seconds the lock outlives timeout plus grace" default:"30" toml:"lock.margin" env:"LOCK_MARGIN"`
	Coordinator string `help:"Coordinator URL (redis://, rediss://, bolt://, memory://)" default:"redis://127.0.0.1:6379/0" toml:"lock.coordinator" env:"COORDINATOR"`
	Identity    string `help:"Holder identity stored in the lock, defaults to the hostname" toml:"lock.identity" env:"IDENTITY"`

	// Mail settings
	Mail         string `help:"Report recipients, free text such as 'ops@example.com; dba at example dot com'" short:"m" toml:"mail.to" env:"MAIL"`
	MailHost     string `help:"SMTP host" default:"localhost" toml:"mail.host" env:"MAIL_HOST"`
	MailPort     int    `help:"SMTP port" default:"25" toml:"mail.port" env:"MAIL_PORT"`
	MailUsername string `help:"SMTP username" toml:"mail.username" env:"MAIL_USERNAME"`
	MailPassword string `help:"SMTP password" toml:"mail.password" env:"MAIL_PASSWORD"`
	MailFrom     string `help:"Sender address" toml:"mail.from" env:"MAIL_FROM"`
	MailTLS      string `help:"SMTP TLS policy (opportunistic, mandatory, none)" default:"opportunistic" toml:"mail.tls" env:"MAIL_TLS"`

	// NATS settings
	NatsURL      string `help:"NATS server URL for reports and run events" toml:"nats.url" env:"NATS_URL"`
	NatsSubject  string `help:"Report subject, defaults to cronguard.<host>.report" toml:"nats.subject" env:"NATS_SUBJECT"`
	NatsEvents   bool   `help:"Publish state, contention and completion events to NATS" default:"false" toml:"nats.events" env:"NATS_EVENTS"`
	NatsEmbedded string `help:"Serve an embedded NATS server on host:port during the run, joining it if already served" toml:"nats.embedded" env:"NATS_EMBEDDED"`

	// Metrics settings
	MetricsPushgateway string `help:"Prometheus Pushgateway URL" toml:"metrics.pushgateway" env:"METRICS_PUSHGATEWAY"`
	MetricsTextfile    string `help:"node_exporter textfile to write after the run" toml:"metrics.textfile" env:"METRICS_TEXTFILE"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"warn" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingLock    string `help:"Lock logging level" toml:"logging.lock" env:"LOGGING_LOCK"`
	LoggingRunner  string `help:"Runner and supervisor logging level" toml:"logging.runner" env:"LOGGING_RUNNER"`
	LoggingNotify  string `help:"Notifier logging level" toml:"logging.notify" env:"LOGGING_NOTIFY"`
	ReportLogLines int    `help:"Recent log lines appended to failure reports" default:"20" toml:"logging.report_lines" env:"REPORT_LOG_LINES"`
}

// LoggingConfig merges the [logging] table of the config file with the
// logging options.
func (o *Options) LoggingConfig() logging.Config {
	cfg := config.LoadLoggingConfig(o.Config)
	if o.LoggingLevel != "" {
		cfg.Level = o.LoggingLevel
	}
	if o.LoggingFormat != "" {
		cfg.Format = o.LoggingFormat
	}
	for module, level := range map[string]string{
		"lock":   o.LoggingLock,
		"runner": o.LoggingRunner,
		"notify": o.LoggingNotify,
	} {
		if level != "" {
			cfg.Modules[module] = level
		}
	}
	return cfg
}

// HolderIdentity returns the configured identity or the hostname.
func (o *Options) HolderIdentity() string {
	if o.Identity != "" {
		return o.Identity
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// Job builds the guarded job for command.
func (o *Options) Job(command string) (runner.Job, error) {
	if o.Timeout <= 0 {
		return runner.Job{}, fmt.Errorf("timeout must be positive, got %d", o.Timeout)
	}
	if o.Grace <= 0 {
		return runner.Job{}, fmt.Errorf("grace must be positive, got %d", o.Grace)
	}
	if o.LockMargin <= 0 {
		return runner.Job{}, fmt.Errorf("lock margin must be positive, got %d", o.LockMargin)
	}

	poll := process.DefaultPollInterval
	if o.PollInterval != "" {
		d, err := config.ParseSeconds(o.PollInterval)
		if err != nil {
			return runner.Job{}, fmt.Errorf("poll interval: %w", err)
		}
		if d > 0 {
			poll = d
		}
	}

	var shell []string
	if o.Shell != "" {
		var err error
		if shell, err = process.ParseShell(o.Shell); err != nil {
			return runner.Job{}, fmt.Errorf("shell: %w", err)
		}
	}

	return runner.Job{
		Command:      command,
		Prefix:       o.Prefix,
		Timeout:      time.Duration(o.Timeout) * time.Second,
		Grace:        time.Duration(o.Grace) * time.Second,
		LockMargin:   time.Duration(o.LockMargin) * time.Second,
		PollInterval: poll,
		Shell:        shell,
		CaptureLimit: o.CaptureLimit,
	}, nil
}

// Notifier builds the report notifier from the mail and NATS options. With
// neither configured, reports are dropped.
func (o *Options) Notifier(identity string, logger *slog.Logger) notify.Notifier {
	var notifiers notify.Multi

	if recipients := notify.ExtractAddresses(o.Mail); len(recipients) > 0 {
		m, err := notify.NewMail(notify.MailConfig{
			Host:      o.MailHost,
			Port:      o.MailPort,
			Username:  o.MailUsername,
			Password:  o.MailPassword,
			From:      o.MailFrom,
			TLSPolicy: o.MailTLS,
		}, recipients)
		if err != nil {
			logger.Warn("Mail reports disabled", "error", err)
		} else {
			notifiers = append(notifiers, notify.NewRetrying(m, logger))
		}
	} else if o.Mail != "" {
		logger.Warn("No mail address found", "mail", o.Mail)
	}

	if o.NatsURL != "" {
		n, err := notify.NewNATS(o.NatsURL, o.NatsSubject, identity)
		if err != nil {
			logger.Warn("NATS reports disabled", "error", err)
		} else {
			notifiers = append(notifiers, notify.NewRetrying(n, logger))
		}
	}

	switch len(notifiers) {
	case 0:
		return notify.Nop{}
	case 1:
		return notifiers[0]
	default:
		return notifiers
	}
}
