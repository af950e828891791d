// Package logging sets up structured logging for the memori commands. The
// engine package itself never logs (errors are returned, not logged); this
// package exists only at the cmd/ and mcpserver/ boundary.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a leveled slog.Logger that writes JSON records to w. Callers
// running under the MCP stdio transport must pass os.Stderr (or anything
// other than stdout) so JSON-RPC framing on stdout stays clean.
func New(level string, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// SetupDefault configures the standard library's default logger to write
// to os.Stderr at the given level and returns it for convenience.
func SetupDefault(level string) *slog.Logger {
	logger := New(level, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
