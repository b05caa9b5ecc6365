// ///////////////////////////////////////////////////////////////////////////
//
// # DATEFIX - Temporal Remediation Engine
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var (
	Log = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
	})
)

func SetLevel(level log.Level) {
	Log.SetLevel(level)
}

// SetDebug toggles between debug and info level.
func SetDebug(enabled bool) {
	if enabled {
		Log.SetLevel(log.DebugLevel)
		return
	}
	Log.SetLevel(log.InfoLevel)
}

// ParseLevel accepts the level names used in datefix.yaml.
func ParseLevel(name string) (log.Level, error) {
	if strings.TrimSpace(name) == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
}

func SetOutput(w io.Writer) {
	Log.SetOutput(w)
}

// NewJSON returns a standalone logger that writes one JSON object per line.
func NewJSON(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Formatter:       log.JSONFormatter,
		Level:           log.DebugLevel,
	})
}

func Info(format string, args ...any) {
	Log.Infof(format, args...)
}

func Debug(format string, args ...any) {
	Log.Debugf(format, args...)
}

func Warn(format string, args ...any) {
	Log.Warnf(format, args...)
}

func Error(format string, args ...any) error {
	Log.Errorf(format, args...)
	return fmt.Errorf(format, args...)
}

func Fatal(format string, args ...any) {
	Log.Fatalf(format, args...)
}
