// Package logging sets up the file logger. The terminal belongs to the UI, so
// every log line goes to <data dir>/debug.log.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const fileName = "debug.log"

// Open opens (appending) the debug log in dataDir and returns a logger on it.
// The standard library logger is redirected to the same file so messages from
// third-party packages end up there too.
func Open(dataDir, level string) (zerolog.Logger, io.Closer, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logFile, err := os.OpenFile(
		filepath.Join(dataDir, fileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0600,
	)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
	}

	log.SetOutput(logFile)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	return New(logFile, level), logFile, nil
}

// New builds a logger writing human-readable lines to w.
func New(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: "2006-01-02 15:04:05",
	}
	return zerolog.New(output).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a settings/flag value to a zerolog level. Unknown values
// mean info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
