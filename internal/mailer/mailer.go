// Package mailer renders deadline reminders and hands them to a transport.
package mailer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"
)

// Sender delivers one message. A nil error means the transport accepted it.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to, subject, htmlBody string) error

func (f SenderFunc) Send(ctx context.Context, to, subject, htmlBody string) error {
	return f(ctx, to, subject, htmlBody)
}

type Config struct {
	Driver   string // "smtp" | "log"
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	SSL      bool
	Timeout  time.Duration
}

func New(cfg Config, log logx.Logger) (Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "smtp":
		return NewSMTP(cfg, log)
	case "log", "", "dryrun", "dry-run":
		return NewLog(log), nil
	default:
		return nil, deadline.FatalConfig(fmt.Errorf("unknown mail driver: %s", d))
	}
}
