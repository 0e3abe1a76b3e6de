package mailer

import (
	"context"
	"sync"

	logx "deadlinenotifier/pkg/logx"
)

// Message is a captured dispatch.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Log is a dry-run sender: it logs every message and keeps the last few.
type Log struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Message
}

const logKeep = 256

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("comp", "mailer"))}
}

func (l *Log) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("mail (dry run)", logx.String("to", to), logx.String("subject", subject))
	l.mu.Lock()
	l.sent = append(l.sent, Message{To: to, Subject: subject, Body: htmlBody})
	if len(l.sent) > logKeep {
		l.sent = l.sent[len(l.sent)-logKeep:]
	}
	l.mu.Unlock()
	return nil
}

func (l *Log) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.sent...)
}
