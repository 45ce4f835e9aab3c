package shared

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is a thin wrapper to allow DI/testing.
type Logger interface {
	Printf(string, ...any)
	Fatalf(string, ...any)
}

type zeroLogger struct {
	l zerolog.Logger
}

// NewLogger returns a structured logger tagged with the service name.
// LOG_LEVEL controls verbosity; anything unparsable falls back to info.
func NewLogger(service string) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	l := zerolog.New(os.Stdout).With().Timestamp().Str("service", service).Logger().Level(lvl)
	return &zeroLogger{l: l}
}

func (z *zeroLogger) Printf(format string, args ...any) { z.l.Info().Msgf(format, args...) }
func (z *zeroLogger) Fatalf(format string, args ...any) { z.l.Fatal().Msgf(format, args...) }
