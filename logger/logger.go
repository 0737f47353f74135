// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger is the structured logger every nvfuse process (primary
// and each secondary) uses, built on log/slog with a severity ladder and
// text/JSON handlers, matching the contract exercised by the teacher's
// internal/logger tests. Each process rotates its own log file through
// lumberjack rather than sharing one (the primary and secondaries run in
// separate address spaces, per spec.md §5).
package logger

import (
	"context"
	"io"
	"log/slog"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity mirrors the teacher's TRACE < DEBUG < INFO < WARNING < ERROR
// ladder, offset from slog's own levels so TRACE can sit below slog's
// built-in Debug.
type Severity = slog.Level

const (
	LevelTrace   Severity = slog.LevelDebug - 4
	LevelDebug   Severity = slog.LevelDebug
	LevelInfo    Severity = slog.LevelInfo
	LevelWarning Severity = slog.LevelWarn
	LevelError   Severity = slog.LevelError
)

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarning:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// Format selects the handler used by New.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config configures one process's logger.
type Config struct {
	Format     Format
	Level      Severity
	FilePath   string // empty means no log file: New discards all output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds an *slog.Logger per cfg. The "severity" key name and
// TRACE/DEBUG/INFO/WARNING/ERROR labels match the text/JSON formats the
// teacher's logger tests assert against.
func New(cfg Config) *slog.Logger {
	var w io.Writer
	if cfg.FilePath == "" {
		w = io.Discard // callers that want stderr pass os.Stderr explicitly via NewWithWriter
	} else {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
	}
	return NewWithWriter(cfg, w)
}

// NewWithWriter is New but with an explicit destination, used by tests to
// assert on formatted output and by processes that want stderr.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				a.Key = "severity"
				a.Value = slog.StringValue(severityName(level))
			}
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}
	var h slog.Handler
	switch cfg.Format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Tracef logs at the TRACE severity, the one level slog has no named
// constant for.
func Tracef(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelTrace, msg, args...)
}
