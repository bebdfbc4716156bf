package task

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerMu      sync.RWMutex
	packageLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// SetLogger replaces the logger used for structured diagnostics (the "task
// failed" summaries from reportError and the "link notification panicked"
// lines from link dispatch). It is intended to be
// called once, at program startup, before any task is spawned.
func SetLogger(l zerolog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	packageLogger = l
}

func defaultLogger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return packageLogger
}
