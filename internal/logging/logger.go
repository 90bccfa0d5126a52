package logging

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger: JSON at Info level in production,
// human-readable text at Debug level everywhere else. Output goes to
// stderr; stdout belongs to the rendered conversation.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
