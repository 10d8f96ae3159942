package config

import (
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/lmittmann/tint"
)

// NewLogger builds the process logger. LogFormat "text" uses tint, "json" the
// slog JSON handler. The result is decorated with logctx so request and session
// attributes from the context are attached to every record.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}

	var h slog.Handler
	switch c.LogFormat {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "[15:04:05.000]",
		})
	}

	return logctx.Wrap(slog.New(h))
}
