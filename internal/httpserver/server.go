// Package httpserver exposes the governor over HTTP: the gate and record
// endpoints for feature backends, usage summaries for dashboards, and the
// operational health and metrics surface.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/epicforge/governor/internal/config"
	"github.com/epicforge/governor/internal/governor"
	"github.com/epicforge/governor/internal/ledger"
	"github.com/epicforge/governor/internal/observability"
)

// Deps carries everything the server needs. Governor is required; the rest
// may be nil and the matching surface degrades.
type Deps struct {
	Config        *config.Config
	Governor      *governor.Governor
	Store         *ledger.Store
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Observability *observability.Provider
}

// Server wraps the Fiber app and configuration.
type Server struct {
	app  *fiber.App
	cfg  *config.Config
	deps Deps
}

// New constructs a server with baseline middleware ready.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Governor == nil {
		return nil, fmt.Errorf("governor is required")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "usage-governor",
		ReadTimeout:           deps.Config.Server.ReadHeaderTimeout,
	})

	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(recover.New())

	if deps.Observability != nil {
		if handler := deps.Observability.PrometheusHandler(); handler != nil {
			app.Get("/metrics", adaptor.HTTPHandler(handler))
		}
	}

	registerHealthRoutes(app, deps)
	registerAPIRoutes(app, deps.Governor, deps.Store)

	return &Server{app: app, cfg: deps.Config, deps: deps}, nil
}

// App exposes the Fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen blocks until context cancellation or a fatal listen error occurs.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.Server.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.Server.GracefulShutdownDelay
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.app.ShutdownWithContext(shutdownCtx)
		if err == nil {
			err = <-errCh
		}
		return err
	case err := <-errCh:
		return err
	}
}

func registerHealthRoutes(app *fiber.App, deps Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]fiber.Map)
		overall := "ok"

		if deps.DBPool != nil {
			start := time.Now()
			err := deps.DBPool.Ping(ctx)
			check := fiber.Map{
				"status":     "ok",
				"latency_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				check["status"] = "error"
				check["error"] = err.Error()
				overall = "degraded"
			}
			checks["postgres"] = check
		}

		if deps.Redis != nil {
			start := time.Now()
			err := deps.Redis.Ping(ctx).Err()
			check := fiber.Map{
				"status":     "ok",
				"latency_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				check["status"] = "error"
				check["error"] = err.Error()
				overall = "degraded"
			}
			checks["redis"] = check
		}

		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": overall,
			"checks": checks,
		})
	})
}

// writeError standardizes JSON error responses.
func writeError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}
