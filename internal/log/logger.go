// Package log configures the process-wide slog logger.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/dmgmeter/internal/config"
)

var (
	mu   sync.Mutex
	file *lumberjack.Logger // rotating output of the current setup, if any
)

// Init installs the default logger described by cfg. It may be called again
// on reload; the previous log file is closed once the new setup is in
// place.
func Init(cfg config.LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	var out io.Writer = os.Stdout
	var rotating *lumberjack.Logger
	if cfg.File.Enabled {
		rotating, err = newRotatingFile(cfg.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		out = io.MultiWriter(os.Stdout, rotating)
	}

	handler, err := newHandler(out, level, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))

	mu.Lock()
	prev := file
	file = rotating
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Close releases the log file. Later records still reach stdout.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	err := file.Close()
	file = nil
	return err
}

func newHandler(w io.Writer, level slog.Level, cfg config.LogConfig) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	case "pattern":
		return newPatternHandler(w, level, cfg.Pattern, cfg.TimeLayout), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json, text or pattern)", cfg.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level: %s", s)
}

// newRotatingFile sizes the lumberjack logger from fc. Zero values fall
// back to lumberjack's own defaults.
func newRotatingFile(fc config.FileLogConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}, nil
}
