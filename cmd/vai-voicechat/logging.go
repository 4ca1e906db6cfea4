package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/vango-go/vai-voicechat/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes to the log file when set, to stderr in headless mode,
// and nowhere otherwise since the TUI owns the terminal.
func newLogger(cfg *config.Config, headless bool) (*slog.Logger, func(), error) {
	var (
		w       io.Writer = io.Discard
		noColor           = true
		closeFn           = func() {}
	)
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	case headless:
		w = os.Stderr
		noColor = false
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      parseLevel(cfg.LogLevel),
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})
	return slog.New(handler), closeFn, nil
}
