// Package logging builds the daemon's slog logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Service is attached to every record.
const Service = "sonicared"

// Config maps to the log section of the configuration file.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout or stderr
}

// New builds a logger writing to the configured output.
func New(cfg Config, version string) *slog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return NewWithWriter(cfg, version, out)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(cfg Config, version string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", Service),
		slog.String("version", version),
	})
	return slog.New(h)
}

// ParseLevel maps a level name to slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Default is the logger used before configuration is loaded.
func Default() *slog.Logger {
	return New(Config{Level: "info", Format: "text", Output: "stderr"}, "dev")
}
