// Package commands implements the devpulse CLI subcommands.
package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/devpulse/devpulse/internal/config"
)

// ErrConfig marks failures the operator fixes in configuration, not in
// the environment. The entry point maps it to exit code 2.
var ErrConfig = errors.New("configuration error")

// loadConfig resolves the configuration tree for a subcommand.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfig, err)
	}

	return cfg, nil
}

// buildLogger constructs the process logger from the logging section.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var out io.Writer

	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open log output: %s", ErrConfig, err)
		}

		out = file
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrConfig, level)
	}
}
