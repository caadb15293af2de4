package logging

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	current.Store(&l)
}

func setLogger(l zerolog.Logger) {
	current.Store(&l)
}

// L returns the process logger for structured call sites.
func L() *zerolog.Logger {
	return current.Load()
}

func Tracef(format string, args ...any) { L().Trace().Msgf(format, args...) }
func Debugf(format string, args ...any) { L().Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { L().Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { L().Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { L().Error().Msgf(format, args...) }

// Logf always writes, regardless of level. Used for test narration.
func Logf(format string, args ...any) { L().Log().Msgf(format, args...) }
