package sender

import (
	"context"

	logx "medremind/pkg/logx"
)

// Log "delivers" by writing a log line. It stands in for providers that are
// not configured, so reminders keep flowing in development.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (l *Log) Send(_ context.Context, contact, message string) error {
	l.log.Warn("no delivery provider configured; logging reminder instead",
		logx.String("contact", contact),
		logx.String("message", message),
	)
	return nil
}
