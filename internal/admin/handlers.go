// Package admin espone l'API HTTP di amministrazione del pool.
package admin

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/biodoia/novelcorpus/internal/coordinator"
	"github.com/biodoia/novelcorpus/internal/optimizer"
	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/internal/topology"
	"github.com/biodoia/novelcorpus/internal/workflow"
	"github.com/biodoia/novelcorpus/pkg/auth"
	"github.com/biodoia/novelcorpus/pkg/database"
	"github.com/biodoia/novelcorpus/pkg/middleware"
	"github.com/biodoia/novelcorpus/pkg/models"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// WorkflowStore legge i workflow persistiti
type WorkflowStore interface {
	ListWorkflows(ctx context.Context, projectID string, limit int) ([]models.Workflow, error)
	LoadWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// Deps sono le dipendenze degli handler; i campi nil disattivano le route relative
type Deps struct {
	Pool        *pool.Pool
	Coordinator *coordinator.Coordinator
	Optimizer   *optimizer.Optimizer
	Topology    *topology.Manager
	Workflows   WorkflowStore
}

// AdminHandlers gestisce gli endpoint amministrativi
type AdminHandlers struct {
	deps    Deps
	started time.Time
}

// NewAdminHandlers crea una nuova istanza degli handler admin
func NewAdminHandlers(deps Deps) *AdminHandlers {
	return &AdminHandlers{deps: deps, started: time.Now()}
}

// NewApp crea l'app fiber con middleware e route registrate. Con tokens
// non nil le route che modificano lo stato richiedono un bearer token.
func NewApp(h *AdminHandlers, metrics bool, tokens *auth.JWTManager) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "novelcorpus admin",
	})

	app.Use(middleware.RequestID())
	app.Use(middleware.Recovery())
	app.Use(middleware.Logging(middleware.LoggingConfig{
		SkipPaths: []string{"/health", "/metrics"},
	}))
	app.Use(middleware.AdminAuth(tokens))

	h.RegisterRoutes(app, metrics)
	return app
}

// RegisterRoutes registra tutte le route admin
func (h *AdminHandlers) RegisterRoutes(app *fiber.App, metrics bool) {
	app.Get("/health", h.Health)
	app.Get("/stats", h.GetStats)
	app.Get("/strategy", h.GetStrategy)
	app.Get("/optimizer", h.GetOptimizer)

	// Backend management
	backends := app.Group("/backends")
	backends.Post("/:name/enable", h.EnableBackend)
	backends.Post("/:name/disable", h.DisableBackend)
	backends.Put("/:name/priority", h.UpdatePriority)
	backends.Post("/:name/reset", h.ResetBackend)

	// Maintenance
	app.Post("/cache/clear", h.ClearCache)

	// Workflows
	app.Get("/workflows", h.ListWorkflows)
	app.Get("/workflows/:id", h.GetWorkflow)

	if metrics && h.deps.Pool.Metrics() != nil {
		app.Get("/metrics", h.Metrics)
	}
}

// Health riporta lo stato del pool; 503 se nessun backend è selezionabile
func (h *AdminHandlers) Health(c fiber.Ctx) error {
	registered := h.deps.Pool.Len()
	available := len(h.deps.Pool.Available(pool.Filter{}))

	status := "ok"
	code := fiber.StatusOK
	if available == 0 {
		status = "unavailable"
		code = fiber.StatusServiceUnavailable
	} else if available < registered {
		status = "degraded"
	}

	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"backends":   registered,
		"available":  available,
		"uptime_sec": int64(time.Since(h.started).Seconds()),
	})
}

// GetStats restituisce le statistiche per backend e della cache
func (h *AdminHandlers) GetStats(c fiber.Ctx) error {
	resp := fiber.Map{
		"backends": h.deps.Pool.StatsReport(),
	}

	if cc := h.deps.Pool.Cache(); cc != nil {
		stats := cc.Stats()
		resp["cache"] = fiber.Map{
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"entries":   stats.Entries,
			"evictions": stats.Evictions,
			"hit_rate":  stats.HitRate(),
		}
	}

	return c.JSON(resp)
}

// GetStrategy restituisce la strategia del coordinatore e il flusso della topologia
func (h *AdminHandlers) GetStrategy(c fiber.Ctx) error {
	if h.deps.Coordinator == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Coordinator not configured",
		})
	}

	resp := fiber.Map{
		"strategy": h.deps.Coordinator.StrategyInfo(),
	}
	if h.deps.Topology != nil {
		resp["topology"] = h.deps.Topology.Flow()
	}
	return c.JSON(resp)
}

// GetOptimizer restituisce le raccomandazioni per politica.
// Query: tokens (default 1000), policy per cambiare la politica attiva.
func (h *AdminHandlers) GetOptimizer(c fiber.Ctx) error {
	if h.deps.Optimizer == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Optimizer not configured",
		})
	}

	tokens := 1000
	if raw := c.Query("tokens"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid tokens",
			})
		}
		tokens = n
	}

	if raw := c.Query("policy"); raw != "" {
		policy, err := optimizer.ParsePolicy(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		h.deps.Optimizer.SetPolicy(policy)
		log.Info().Str("policy", string(policy)).Msg("Optimizer policy changed")
	}

	return c.JSON(h.deps.Optimizer.Report(tokens))
}

// EnableBackend abilita un backend
func (h *AdminHandlers) EnableBackend(c fiber.Ctx) error {
	return h.toggle(c, true)
}

// DisableBackend disabilita un backend
func (h *AdminHandlers) DisableBackend(c fiber.Ctx) error {
	return h.toggle(c, false)
}

func (h *AdminHandlers) toggle(c fiber.Ctx, enabled bool) error {
	name := c.Params("name")
	if err := h.deps.Pool.SetEnabled(name, enabled); err != nil {
		return backendError(c, err)
	}

	return c.JSON(fiber.Map{
		"backend": name,
		"enabled": enabled,
	})
}

// UpdatePriority cambia la priorità di un backend
func (h *AdminHandlers) UpdatePriority(c fiber.Ctx) error {
	var req struct {
		Priority *int `json:"priority"`
	}
	if err := c.Bind().JSON(&req); err != nil || req.Priority == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	name := c.Params("name")
	if err := h.deps.Pool.SetPriority(name, *req.Priority); err != nil {
		return backendError(c, err)
	}

	log.Info().Str("backend", name).Int("priority", *req.Priority).Msg("Backend priority changed")

	return c.JSON(fiber.Map{
		"backend":  name,
		"priority": *req.Priority,
	})
}

// ResetBackend richiude il circuito di un backend
func (h *AdminHandlers) ResetBackend(c fiber.Ctx) error {
	name := c.Params("name")
	if err := h.deps.Pool.ResetCircuit(name); err != nil {
		return backendError(c, err)
	}

	return c.JSON(fiber.Map{
		"backend": name,
		"circuit": "closed",
	})
}

func backendError(c fiber.Ctx, err error) error {
	if errors.Is(err, pool.ErrBackendNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// ClearCache svuota la cache di risposta
func (h *AdminHandlers) ClearCache(c fiber.Ctx) error {
	cc := h.deps.Pool.Cache()
	if cc == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Cache disabled",
		})
	}

	if err := cc.Clear(c.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to clear cache")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to clear cache",
		})
	}

	log.Info().Msg("Response cache cleared")
	return c.JSON(fiber.Map{"message": "Cache cleared"})
}

// ListWorkflows restituisce l'avanzamento dei workflow recenti.
// Query: project, limit (default 50).
func (h *AdminHandlers) ListWorkflows(c fiber.Ctx) error {
	if h.deps.Workflows == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Workflow store not configured",
		})
	}

	limit := fiber.Query[int](c, "limit", 50)
	workflows, err := h.deps.Workflows.ListWorkflows(c.Context(), c.Query("project"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list workflows")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve workflows",
		})
	}

	progress := make([]workflow.Progress, len(workflows))
	for i := range workflows {
		progress[i] = workflow.ProgressOf(&workflows[i])
	}

	return c.JSON(fiber.Map{
		"workflows": progress,
		"count":     len(progress),
	})
}

// GetWorkflow restituisce l'avanzamento di un workflow
func (h *AdminHandlers) GetWorkflow(c fiber.Ctx) error {
	if h.deps.Workflows == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Workflow store not configured",
		})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid workflow ID",
		})
	}

	w, err := h.deps.Workflows.LoadWorkflow(c.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Workflow not found",
		})
	}
	if err != nil {
		log.Error().Err(err).Str("workflow_id", id.String()).Msg("Failed to load workflow")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve workflow",
		})
	}

	return c.JSON(workflow.ProgressOf(w))
}

// Metrics espone le metriche Prometheus del pool
func (h *AdminHandlers) Metrics(c fiber.Ctx) error {
	handler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(h.deps.Pool.Metrics().Registry(), promhttp.HandlerOpts{}),
	)
	handler(c.RequestCtx())
	return nil
}
