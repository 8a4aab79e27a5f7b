// Package logger builds the supervisor's own slog logger and manages the
// backend log file between runs.
package logger

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation for the supervisor log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the supervisor logs.
// With File empty, records go to Writer (stderr by default) through the
// colored text handler. With File set, records go to a rotating file in
// plain text. Rotation parameters follow lumberjack semantics.
type Config struct {
	File       string
	Writer     io.Writer
	Level      slog.Level
	Color      bool
	ShowTime   bool
	MaxSizeMB  int  // megabytes before rotation (default 10)
	MaxBackups int  // number of backups to keep (default 3)
	MaxAgeDays int  // days to keep (default 7)
	Compress   bool // Gzip rotated files
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns the logger described by c and a closer releasing its file.
func New(c Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: c.Level}
	if c.File != "" {
		w := c.fileWriter()
		return slog.New(slog.NewTextHandler(w, opts)), w
	}
	w := c.Writer
	if w == nil {
		w = os.Stderr
	}
	if c.Color {
		return slog.New(NewColorTextHandler(w, opts, c.ShowTime)), nopCloser{}
	}
	return slog.New(slog.NewTextHandler(w, opts)), nopCloser{}
}

func (c Config) fileWriter() *lj.Logger {
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
