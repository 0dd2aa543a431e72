// Package logging builds the application's structured loggers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely logs are written.
type Config struct {
	Level      string
	LogDir     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Quiet disables the console handler.
	Quiet bool
	// FileName defaults to webalyze.log.
	FileName string
}

// ConfigProvider is implemented by the application configuration.
type ConfigProvider interface {
	GetLogLevel() string
	GetLogDirectory() string
	GetLogMaxSizeMB() int
	GetLogMaxBackups() int
	GetLogMaxAgeDays() int
}

// FromProvider copies the logging settings out of the app configuration.
func FromProvider(p ConfigProvider) Config {
	return Config{
		Level:      p.GetLogLevel(),
		LogDir:     p.GetLogDirectory(),
		MaxSizeMB:  p.GetLogMaxSizeMB(),
		MaxBackups: p.GetLogMaxBackups(),
		MaxAgeDays: p.GetLogMaxAgeDays(),
	}
}

// ParseLevel maps a configured level name to slog, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) rotator() io.Writer {
	if c.LogDir == "" {
		return nil
	}
	name := c.FileName
	if name == "" {
		name = "webalyze.log"
	}
	if err := os.MkdirAll(c.LogDir, 0o755); err != nil {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(c.LogDir, name),
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   true,
	}
}

// NewLogger returns a logger writing JSON to a rotating file in LogDir and
// text to stderr unless Quiet is set.
func NewLogger(c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}

	var handlers []slog.Handler
	if w := c.rotator(); w != nil {
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	}
	if !c.Quiet {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, opts))
	case 1:
		return slog.New(handlers[0])
	default:
		return slog.New(fanout(handlers))
	}
}

// NewStoreLogger returns the logrus entry handed to the key-value store.
// The store is chatty at info level, so it logs warnings and above unless
// the application runs at debug.
func NewStoreLogger(c Config) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if w := c.rotator(); w != nil {
		l.SetOutput(w)
	} else if c.Quiet {
		l.SetOutput(io.Discard)
	} else {
		l.SetOutput(os.Stderr)
	}
	if ParseLevel(c.Level) == slog.LevelDebug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l.WithField("component", "store")
}
