// Package logging wraps logrus with the level/format/output conventions
// used across this orchestrator's subsystems.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls how a Logger formats and routes its output.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Logger wraps a *logrus.Logger so subsystems depend on a local type
// instead of importing logrus directly at every call site.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from Config. An unparsable level falls back to info;
// a file path that cannot be opened logs the failure and keeps stderr only.
func New(cfg Config) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
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

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			base.WithError(err).Error("failed to open log file, continuing with stderr only")
		} else {
			base.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}

	return &Logger{Logger: base}
}

// NewDefault returns a Logger at info level, text format, stderr only.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "text"})
}

// WithField returns an entry with a single field attached.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns an entry with multiple fields attached.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
