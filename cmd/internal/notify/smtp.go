package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds SMTP delivery settings, loaded from the environment.
type SMTPConfig struct {
	Host     string `env:"TEMPO_SMTP_HOST"`
	Port     int    `env:"TEMPO_SMTP_PORT" envDefault:"587"`
	Username string `env:"TEMPO_SMTP_USERNAME"`
	Password string `env:"TEMPO_SMTP_PASSWORD"`
	From     string `env:"TEMPO_SMTP_FROM"`
}

// LoadSMTPConfig reads SMTP settings from environment variables.
func LoadSMTPConfig() (SMTPConfig, error) {
	return env.ParseAs[SMTPConfig]()
}

// Validate checks that delivery-critical settings are present.
func (c SMTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("notify: missing TEMPO_SMTP_HOST")
	}
	if c.Port <= 0 {
		return fmt.Errorf("notify: invalid TEMPO_SMTP_PORT")
	}
	if c.From == "" {
		return fmt.Errorf("notify: missing TEMPO_SMTP_FROM")
	}
	return nil
}

// AddressResolver maps an identity id to its delivery address.
type AddressResolver func(ctx context.Context, identityID string) (string, error)

// SMTPNotifier delivers event notifications by email.
//
// Delivery errors are logged and swallowed. Notify never blocks the caller
// beyond sendTimeout.
type SMTPNotifier struct {
	cfg         SMTPConfig
	dialer      *gomail.Dialer
	resolve     AddressResolver
	logger      *slog.Logger
	sendTimeout time.Duration
}

// NewSMTPNotifier constructs a notifier from validated SMTP settings.
func NewSMTPNotifier(cfg SMTPConfig, resolve AddressResolver, logger *slog.Logger) (*SMTPNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resolve == nil {
		return nil, fmt.Errorf("notify: nil address resolver")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPNotifier{
		cfg:         cfg,
		dialer:      gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		resolve:     resolve,
		logger:      logger,
		sendTimeout: 10 * time.Second,
	}, nil
}

// Notify implements Notifier.
func (n *SMTPNotifier) Notify(ctx context.Context, identityID string, event Event) {
	ctx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()

	to, err := n.resolve(ctx, identityID)
	if err != nil {
		n.logger.Warn("notify.resolve_failed", "identity_id", identityID, "event", string(event), "err", err)
		return
	}

	subject, body := messageFor(event)

	msg := gomail.NewMessage()
	msg.SetHeader("From", n.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := n.dialer.DialAndSend(msg); err != nil {
		n.logger.Warn("notify.send_failed", "identity_id", identityID, "event", string(event), "err", err)
		return
	}

	n.logger.Info("notify.sent", "identity_id", identityID, "event", string(event))
}

func messageFor(event Event) (subject, body string) {
	switch event {
	case EventPasswordChanged:
		return "Your password was changed",
			"The password on your account was just changed. If this was not you, reset your password immediately."
	case EventLogin:
		return "New sign-in to your account",
			"Your account was just signed in. If this was not you, revoke your sessions and change your password."
	case EventRevokeAll:
		return "All sessions signed out",
			"Every active session on your account has been signed out."
	case EventSessionReuse:
		return "Suspicious activity on your account",
			"A previously used sign-in token was presented again, so all related sessions were revoked. If this was not you, change your password."
	default:
		return "Account notification", "There was activity on your account."
	}
}
