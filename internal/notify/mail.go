package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// MailConfig describes the SMTP relay used for reports.
type MailConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	TLSPolicy string // "opportunistic", "mandatory" or "none"
	Timeout   time.Duration
}

// Mail sends reports over SMTP.
type Mail struct {
	cfg        MailConfig
	recipients []string
}

// NewMail creates a mail transport for recipients.
func NewMail(cfg MailConfig, recipients []string) (*Mail, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host not configured")
	}
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.From == "" {
		cfg.From = "cronguard@localhost"
	}
	return &Mail{cfg: cfg, recipients: recipients}, nil
}

// Name identifies the transport in logs.
func (m *Mail) Name() string {
	return "mail"
}

// Recipients returns the destination addresses.
func (m *Mail) Recipients() []string {
	return m.recipients
}

func (m *Mail) tlsPolicy() mail.TLSPolicy {
	switch strings.ToLower(m.cfg.TLSPolicy) {
	case "mandatory":
		return mail.TLSMandatory
	case "none":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}

// message builds the plain-text report.
func (m *Mail) message(subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(m.recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// Deliver sends one report to every recipient.
func (m *Mail) Deliver(ctx context.Context, subject, body string) error {
	msg, err := m.message(subject, body)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(m.tlsPolicy()),
		mail.WithTimeout(m.cfg.Timeout),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
