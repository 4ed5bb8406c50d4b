package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the service logger. In dev the output is human readable,
// everywhere else it is JSON lines on stdout.
func New(env, service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if env == "dev" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.Level(lvl).With().Timestamp().Str("service", service).Logger()
}
