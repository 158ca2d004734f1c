// Package logging configures the process logger and times workflow steps.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"tableauetl/internal/metrics"
)

// ParseLevel maps LOG_LEVEL values (DEBUG, INFO, WARN/WARNING, ERROR, or
// CRITICAL, case-insensitive) to a slog level. Empty means INFO.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR", "CRITICAL":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a text logger writing to w (stdout when nil) at the given
// level, tagged with app and run_id. Source locations are included.
// An unparseable level falls back to INFO and is reported once.
func New(w io.Writer, level, app, runID string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := ParseLevel(level)

	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
	})
	l := slog.New(h).With("app", app)
	if runID != "" {
		l = l.With("run_id", runID)
	}
	if err != nil {
		l.Warn("falling back to INFO", "error", err)
	}
	return l
}

// Step runs fn as a named workflow step. On every exit path it logs the
// elapsed time as "<label> took N.NNs" and records the step metrics. fn's
// error is returned unchanged.
func Step(ctx context.Context, log *slog.Logger, label string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", label, r)
		}
		metrics.RecordStep(label, err, elapsed)
		log.Info(fmt.Sprintf("%s took %.2fs", label, elapsed.Seconds()), "step", label, "ok", err == nil)
	}()
	return fn(ctx)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
