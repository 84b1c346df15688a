// Package logger provides the process-global structured logger for launchkitd.
package logger

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var Log zerolog.Logger

// Initialize configures the global logger. pretty selects a human-readable
// console writer on stdout; otherwise zerolog's default output is kept:
// JSON lines on stderr, for consumption by a process supervisor.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "launchkitd").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// Get returns the global logger instance.
func Get() *zerolog.Logger {
	return &Log
}

func Transport() *zerolog.Logger {
	l := Log.With().Str("component", "transport").Logger()
	return &l
}

func Session() *zerolog.Logger {
	l := Log.With().Str("component", "session").Logger()
	return &l
}

func Plugin() *zerolog.Logger {
	l := Log.With().Str("component", "plugin").Logger()
	return &l
}

func Query() *zerolog.Logger {
	l := Log.With().Str("component", "query").Logger()
	return &l
}

func Ambient() *zerolog.Logger {
	l := Log.With().Str("component", "ambient").Logger()
	return &l
}

func Config() *zerolog.Logger {
	l := Log.With().Str("component", "config").Logger()
	return &l
}

func Core() *zerolog.Logger {
	l := Log.With().Str("component", "core").Logger()
	return &l
}

var warnedOnce sync.Map

// WarnUnknownOption logs an unrecognized config option exactly once per
// process lifetime, then ignores it for forward compatibility.
func WarnUnknownOption(name string) {
	if _, loaded := warnedOnce.LoadOrStore(name, struct{}{}); loaded {
		return
	}
	Config().Warn().Str("option", name).Msg("ignoring unrecognized config option")
}
