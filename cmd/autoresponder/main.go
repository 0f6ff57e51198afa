// Command autoresponder drains the WhatsApp auto-response queue, generating and
// sending replies to customer messages on behalf of marketplace partners.
package main

import (
	"log/slog"
	"os"
	"strings"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("autoresponder failed", "error", err)
		os.Exit(1)
	}
}

// initializeLogger sets up structured logging on stderr so command output on
// stdout stays machine readable.
func initializeLogger(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
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
