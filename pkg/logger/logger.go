// Package logger provides the structured logger shared by every gateway component.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped logrus entry.
type Logger struct {
	*logrus.Entry
}

// Config controls level, format and destination of log output.
type Config struct {
	Level  string    `yaml:"level" env:"LOG_LEVEL"`
	Format string    `yaml:"format" env:"LOG_FORMAT"`
	Output io.Writer `yaml:"-"`
}

// New builds a root logger for the named component.
func New(component string, cfg Config) *Logger {
	base := logrus.New()
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stderr)
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Entry: base.WithField("component", component)}
}

// NewDefault returns an info level text logger for the named component.
func NewDefault(component string) *Logger {
	return New(component, Config{})
}

// NewDiscard returns a logger that drops everything. Handy in tests.
func NewDiscard(component string) *Logger {
	return New(component, Config{Output: io.Discard})
}

// Named derives a logger for a sub-component sharing the same output and level.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Entry: l.Entry.Logger.WithField("component", component)}
}
