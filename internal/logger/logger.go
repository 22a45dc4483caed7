package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. dev gets human-readable console output,
// everything else JSON with timestamp and caller.
func New(env, level string) zerolog.Logger {
	return newLogger(os.Stdout, env, level)
}

func newLogger(out io.Writer, env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if env == "dev" {
		w := zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
		return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Caller().Logger()
}
