package logger

import (
	"io"
	"log/slog"
	"os"
)

// Init points the default slog logger at the given file. The core runs
// embedded inside a host app, so stdout is not ours to write to.
func Init(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(file, nil))
	slog.SetDefault(logger)
	return nil
}

// InitWriter is the same as Init but for a caller-supplied sink, used when the
// host app wants the core's logs in its own pipeline.
func InitWriter(w io.Writer, level slog.Level) {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
