// Package telemetry wraps the stdlib *log.Logger the way the teacher's CLI
// does: a single logger threaded through every collaborator, writing to
// io.Discard unless debug logging is enabled, in which case it tees to both
// stderr and a log file.
package telemetry

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger wraps the *log.Logger that cmd/peershare hands to every internal
// package; those packages accept the embedded *log.Logger instead of
// reaching for the global log package.
type Logger struct {
	*log.Logger
}

// New creates a Logger. When debug is false, everything written to it is
// discarded (matching the teacher's default-quiet CLI). When debug is true
// and path is non-empty, output is teed to both stderr and the log file.
func New(debug bool, path string) (*Logger, error) {
	if !debug {
		return &Logger{Logger: log.New(io.Discard, "", 0)}, nil
	}

	if path == "" {
		return &Logger{Logger: log.New(os.Stderr, "DEBUG: ", log.Ltime|log.Lshortfile)}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	w := io.MultiWriter(os.Stderr, f)
	return &Logger{Logger: log.New(w, "DEBUG: ", log.Ltime|log.Lshortfile)}, nil
}

// Discard returns a Logger that drops everything, for tests and
// collaborators that have no interest in diagnostics.
func Discard() *Logger {
	return &Logger{Logger: log.New(io.Discard, "", 0)}
}
