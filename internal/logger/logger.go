package logger

import (
	"log/slog"
	"os"
)

// Init routes slog to a file so log lines never bleed into the terminal UI.
func Init(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(file, nil))
	slog.SetDefault(logger)
	return nil
}
