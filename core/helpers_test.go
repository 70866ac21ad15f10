package core

import (
	"io"
	"log/slog"
)

// testLogger discards output so tests stay quiet while still exercising the
// logging paths.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
