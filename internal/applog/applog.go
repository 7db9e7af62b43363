// Package applog centralizes logger construction the way
// original_source/src/lib/logger.py's setup_logger does: one process-wide
// logger, configured once from the CLI's verbosity flags.
package applog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once   sync.Once
	logger *logrus.Logger
)

// Setup configures the process-wide logger's level from the CLI's -v/-q
// flags. The CLIs do not reject passing both; if both are set, verbose
// wins.
// Subsequent calls are no-ops; use Get to retrieve the configured logger
// from elsewhere in the process.
func Setup(verbose, quiet bool) *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		switch {
		case verbose:
			logger.SetLevel(logrus.DebugLevel)
		case quiet:
			logger.SetLevel(logrus.ErrorLevel)
		default:
			logger.SetLevel(logrus.InfoLevel)
		}
	})
	return logger
}

// Get returns the process-wide logger, defaulting to info level if Setup
// has not yet been called (e.g. in tests that exercise engine packages
// directly).
func Get() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}
