// Package logging configures the process's single logrus logger.
// Verbosity is the only process-wide state in this client (spec.md §9:
// "treat it as an initialization parameter with a single setup call"),
// mirroring the teacher's torrent.SetVerbose package-level toggle.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger at the given level (e.g. "debug", "info", "warn",
// "error"). An unrecognized level falls back to info rather than failing
// startup over a typo in a config file.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
