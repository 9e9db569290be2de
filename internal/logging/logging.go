// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package logging builds slog loggers from MCSB verbosity levels.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// MCSB verbosity levels, most severe first.
const (
	VerbosityCritical = iota
	VerbosityError
	VerbosityWarning
	VerbosityNotice
	VerbosityInfo
	VerbosityDebug
)

// DefaultVerbosity is used when none is configured.
const DefaultVerbosity = VerbosityNotice

// Levels without a slog counterpart.
const (
	LevelNotice   = slog.Level(2)
	LevelCritical = slog.Level(12)
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Level maps a verbosity to the lowest slog level that is logged at it.
// Values above VerbosityDebug log everything; negative values log only
// critical messages.
func Level(verbosity int) slog.Level {
	switch {
	case verbosity <= VerbosityCritical:
		return LevelCritical
	case verbosity == VerbosityError:
		return slog.LevelError
	case verbosity == VerbosityWarning:
		return slog.LevelWarn
	case verbosity == VerbosityNotice:
		return LevelNotice
	case verbosity == VerbosityInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// LevelName returns the label printed for l.
func LevelName(l slog.Level) string {
	switch {
	case l >= LevelCritical:
		return "CRITICAL"
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= LevelNotice:
		return "NOTICE"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// ValidateFormat checks that format names a supported handler.
func ValidateFormat(format string) error {
	switch strings.ToLower(format) {
	case "", FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
}

// New returns a logger writing to w at the given verbosity. Format is
// "text" or "json"; anything else falls back to text.
func New(w io.Writer, verbosity int, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: Level(verbosity),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelName(l))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(format, FormatJSON) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
