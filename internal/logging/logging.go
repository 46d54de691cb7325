// Package logging builds the structured logger shared by every bridge
// component, gated by the verbosity configuration option (§6).
package logging

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Verbosity is the recognized value of the verbosity config option (§6).
type Verbosity string

const (
	VerbosityNone        Verbosity = "none"
	VerbosityInformation Verbosity = "information"
	VerbosityDebug       Verbosity = "debug"
)

func (v Verbosity) level() slog.Level {
	switch v {
	case VerbosityDebug:
		return slog.LevelDebug
	case VerbosityNone:
		return slog.LevelError + 1 // above Error: every standard level, Error included, is dropped
	default:
		return slog.LevelInfo
	}
}

// New builds the bridge's logger: a plain-text, human-readable handler on
// stderr, fanned out to an optional file sink via slog-multi when logPath is
// non-empty, both leveled by verbosity.
func New(verbosity Verbosity, logPath string) (*slog.Logger, func() error, error) {
	level := verbosity.level()
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}

	closer := func() error { return nil }
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Discard returns a logger that drops everything, for tests and contexts
// where no sink has been configured.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
