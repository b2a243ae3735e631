package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type LogConfig struct {
	Level  string
	Format string
}

// SetupLogger installs the default slog logger. Format is "text" or "json".
func SetupLogger(w io.Writer, c LogConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(defaultString(c.Level, "info")))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(defaultString(c.Format, "text")) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("log format: unknown %q", c.Format)
	}

	slog.SetDefault(slog.New(h))
	return nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
