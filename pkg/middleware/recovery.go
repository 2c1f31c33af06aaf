package middleware

import (
	"runtime/debug"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// RecoveryConfig configurazione del middleware di recovery
type RecoveryConfig struct {
	// EnableStackTrace abilita il log dello stack trace
	EnableStackTrace bool
}

// Recovery middleware per catturare i panic e rispondere con un errore 500
func Recovery(config ...RecoveryConfig) fiber.Handler {
	cfg := RecoveryConfig{EnableStackTrace: true}
	if len(config) > 0 {
		cfg = config[0]
	}

	return func(c fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			requestID := GetRequestID(c)
			logEvent := log.Error().
				Str("request_id", requestID).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Interface("panic", r)
			if cfg.EnableStackTrace {
				logEvent = logEvent.Bytes("stack", debug.Stack())
			}
			logEvent.Msg("panic recovered")

			err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":      "internal server error",
				"request_id": requestID,
			})
		}()

		return c.Next()
	}
}
