// Package obslog wraps zerolog the way the teacher's be-lib-common/logger
// package does: one constructor taking a small Config, returning a Logger
// that the workflow engine, the HTTP layer, and the collaborator clients
// share (the repositories take none).
package obslog

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the constructed Logger's level and the fields stamped on
// every line.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
}

// Logger embeds zerolog.Logger so callers use the familiar
// log.Info().Str(...).Msg(...) chain.
type Logger struct {
	zerolog.Logger
}

// New builds a Logger. In "development" environments it writes a
// human-readable console line; otherwise it writes structured JSON.
func New(cfg Config) Logger {
	level := parseLevel(cfg.Level)

	var w = os.Stderr
	var base zerolog.Logger
	if strings.EqualFold(cfg.Environment, "development") {
		base = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			Level(level).
			With().Timestamp().Logger()
	} else {
		base = zerolog.New(w).Level(level).With().Timestamp().Logger()
	}

	base = base.With().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()

	return Logger{Logger: base}
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Discard returns a Logger that writes nowhere, for tests.
func Discard() Logger {
	return Logger{Logger: zerolog.Nop()}
}
