// Package logger provides the structured logger shared by every transferdesk component.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger bound to a component name.
type Logger struct {
	*logrus.Logger
	component string
}

// Config configures a logger.
type Config struct {
	Level  string
	Format string // text or json
	Output io.Writer
}

// New creates a logger for the named component.
func New(component string, cfg Config) *Logger {
	l := logrus.New()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &Logger{Logger: l, component: component}
}

// NewDefault creates an info-level text logger for the named component.
func NewDefault(component string) *Logger {
	return New(component, Config{Level: "info"})
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard() *Logger {
	return New("discard", Config{Level: "panic", Output: io.Discard})
}

// Named returns a child logger sharing output and level but tagged with another component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// WithField returns an entry tagged with the component and the given field.
func (l *Logger) WithField(key string, value any) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns an entry tagged with the component and the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError returns an entry tagged with the component and the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}

// OrDefault returns l, or a default logger for component when l is nil.
func OrDefault(l *Logger, component string) *Logger {
	if l == nil {
		return NewDefault(component)
	}
	return l.Named(component)
}
