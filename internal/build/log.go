package build

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// SetupLogging builds the process logger: a text handler on stderr, plus
// a rotating file stream when cfg is non-nil. The returned cleanup
// function flushes and closes the file stream and must be called on
// shutdown.
func SetupLogging(level slog.Level,
	cfg *LogRotatorConfig) (*slog.Logger, func(), error) {

	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	if cfg == nil {
		return slog.New(console), func() {}, nil
	}

	writer := NewRotatingLogWriter()
	if err := writer.InitLogRotator(cfg); err != nil {
		return nil, nil, fmt.Errorf("init log rotator: %w", err)
	}

	file := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	})

	cleanup := func() {
		_ = writer.Close()
	}

	return slog.New(NewHandlerSet(console, file)), cleanup, nil
}

// DiscardLogger returns a logger that drops everything. Handy for
// commands whose stdout is the user-facing output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
