package observability

import (
	"github.com/rs/zerolog"

	"github.com/danmuck/hostbridge/internal/logging"
)

// InitLogger derives a structured logger for an HTTP surface from the process logger.
func InitLogger(app string) zerolog.Logger {
	return logging.L().With().Str("app", app).Logger()
}
