// Package logging builds the structured loggers of the legis binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level and destination of a logger. With an empty File the logger writes text
// to stderr; otherwise it writes JSON to a rotating file.
type Config struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

// ParseLevel maps debug, info, warn and error to their slog levels. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// New returns the logger described by cfg and a function closing its output.
func New(cfg Config) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.File == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() error { return nil }, nil
	}

	out := RotatingFile(cfg)
	return slog.New(slog.NewJSONHandler(out, opts)), out.Close, nil
}

// RotatingFile returns the rotating writer for cfg.File, defaulting to 10 MB per file, three
// backups and 28 days of retention.
func RotatingFile(cfg Config) io.WriteCloser {
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	if lj.MaxSize == 0 {
		lj.MaxSize = 10
	}
	if lj.MaxBackups == 0 {
		lj.MaxBackups = 3
	}
	if lj.MaxAge == 0 {
		lj.MaxAge = 28
	}
	return lj
}
