package main

import (
	"log/slog"
	"os"

	"github.com/mlukasch/balance-link/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, level, os.Stderr).With("app", "balance-link")
	logging.Set(l)
	return l
}
