package middleware

import (
	"strings"

	"github.com/biodoia/novelcorpus/pkg/auth"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// SubjectKey chiave Locals per il subject del token admin
const SubjectKey ContextKey = "subject"

// AdminAuth richiede un bearer token admin sulle richieste che modificano
// lo stato (tutto tranne GET e HEAD). Con manager nil non controlla nulla.
func AdminAuth(manager *auth.JWTManager) fiber.Handler {
	return func(c fiber.Ctx) error {
		if manager == nil || c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing authorization header",
			})
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authorization format (use 'Bearer <token>')",
			})
		}

		claims, err := manager.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Str("request_id", GetRequestID(c)).Msg("Admin token rejected")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or expired token",
			})
		}

		c.Locals(string(SubjectKey), claims.Subject)
		return c.Next()
	}
}

// GetSubject restituisce il subject autenticato, o "" se assente
func GetSubject(c fiber.Ctx) string {
	s, _ := c.Locals(string(SubjectKey)).(string)
	return s
}
