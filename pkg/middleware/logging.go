package middleware

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContextKey tipo per le chiavi nei Locals
type ContextKey string

// RequestIDKey chiave per il request ID
const RequestIDKey ContextKey = "request_id"

// LoggingConfig configurazione del middleware di logging
type LoggingConfig struct {
	// Logger personalizzato (opzionale)
	Logger *zerolog.Logger

	// SkipPaths sono esclusi dal log (probe e scrape)
	SkipPaths []string
}

// RequestID riusa X-Request-ID se presente, altrimenti ne genera uno
func RequestID() fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(string(RequestIDKey), id)
		c.Set(fiber.HeaderXRequestID, id)
		return c.Next()
	}
}

// Logging registra ogni richiesta. Le richieste che modificano lo stato del
// pool (POST, PUT, DELETE) vanno a livello info con il backend coinvolto,
// le letture a debug; 4xx e 5xx alzano il livello a warn ed error.
func Logging(config LoggingConfig) fiber.Handler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c fiber.Ctx) error {
		if _, ok := skip[c.Path()]; ok {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		mutating := c.Method() != fiber.MethodGet && c.Method() != fiber.MethodHead

		var ev *zerolog.Event
		switch {
		case status >= fiber.StatusInternalServerError:
			ev = logger.Error()
		case status >= fiber.StatusBadRequest:
			ev = logger.Warn()
		case mutating:
			ev = logger.Info()
		default:
			ev = logger.Debug()
		}

		ev = ev.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Method()).
			Str("route", c.Route().Path).
			Int("status", status).
			Dur("latency", time.Since(start))
		if backend := c.Params("name"); backend != "" {
			ev = ev.Str("backend", backend)
		}
		if subject := GetSubject(c); subject != "" {
			ev = ev.Str("subject", subject)
		}
		if err != nil {
			ev = ev.Err(err)
		}

		msg := "Admin request"
		if mutating {
			msg = "Admin action"
		}
		ev.Msg(msg)

		return err
	}
}

// GetRequestID restituisce il request ID della richiesta, o "" se assente
func GetRequestID(c fiber.Ctx) string {
	id, _ := c.Locals(string(RequestIDKey)).(string)
	return id
}
