package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. Format "console" is human readable,
// anything else emits JSON lines.
func Setup(level, format string) zerolog.Logger {
	return SetupWithWriter(level, format, os.Stdout)
}

func SetupWithWriter(level, format string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writer := out
	if format == "console" {
		writer = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(writer).With().Timestamp().Str("service", "metasys-connector").Logger().Level(lvl)
}
