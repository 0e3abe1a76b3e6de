package mailer

import (
	"context"
	"errors"
	"strings"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	"gopkg.in/mail.v2"
)

const defaultSMTPTimeout = 10 * time.Second

// SMTP sends through one dial per message. Messages are rare (a handful per
// tick) so a persistent connection is not worth keeping open.
type SMTP struct {
	cfg Config
	log logx.Logger
}

func NewSMTP(cfg Config, log logx.Logger) (*SMTP, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, deadline.FatalConfig(errors.New("mail.host is required for smtp driver"))
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, deadline.FatalConfig(errors.New("mail.from is required for smtp driver"))
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTP{cfg: cfg, log: log.With(logx.String("comp", "mailer"))}, nil
}

func (s *SMTP) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := mail.NewMessage()
	if s.cfg.FromName != "" {
		msg.SetAddressHeader("From", s.cfg.From, s.cfg.FromName)
	} else {
		msg.SetHeader("From", s.cfg.From)
	}
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	d := mail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	d.SSL = s.cfg.SSL
	// DialAndSend has no context; bound it by the caller's deadline instead.
	d.Timeout = s.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d.Timeout {
			if left <= 0 {
				return context.DeadlineExceeded
			}
			d.Timeout = left
		}
	}

	if err := d.DialAndSend(msg); err != nil {
		return deadline.TransientIO(err)
	}
	return nil
}
