// Package htlog is the default collab.Logger, backed by logrus.
package htlog

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Az107/HTeaPot/internal/collab"
)

// Logger wraps a *logrus.Logger behind collab.Logger so the engine
// never imports logrus directly.
type Logger struct {
	entry *logrus.Logger
}

// New returns a Logger with a text formatter, full timestamps, and
// output to stderr (keeping stdout free for any handler-produced
// output during local runs).
func New() *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stderr)
	return &Logger{entry: l}
}

func toFields(fields []collab.Field) logrus.Fields {
	f := make(logrus.Fields, len(fields))
	for _, field := range fields {
		f[field.Key] = field.Value
	}
	return f
}

func (l *Logger) Debug(msg string, fields ...collab.Field) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...collab.Field) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...collab.Field) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...collab.Field) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

var _ collab.Logger = (*Logger)(nil)
