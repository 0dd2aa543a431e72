// Package status serves the operational endpoints: prometheus metrics, a
// JSON description of the store and a health probe.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"webalyze/internal/metrics"
)

// StatusFunc describes the store or the running job. It is called once per
// /status request.
type StatusFunc func(ctx context.Context) (any, error)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// Server is the fiber app behind the endpoints.
type Server struct {
	app     *fiber.App
	metrics *metrics.Metrics
	status  StatusFunc
	logger  *slog.Logger
	started time.Time
}

// New builds the server. status may be nil, in which case /status only
// reports uptime.
func New(m *metrics.Metrics, status StatusFunc, logger *slog.Logger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          30 * time.Second,
		}),
		metrics: m,
		status:  status,
		logger:  logger.With(slog.String("component", "status")),
		started: time.Now(),
	}
	s.app.Get("/metrics", s.metricsAction)
	s.app.Get("/status", s.statusAction)
	s.app.Get("/_health", s.healthAction)
	return s
}

// App exposes the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.Info("Status endpoint listening", slog.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) metricsAction(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, metrics.ContentType())
	if err := s.metrics.WriteText(c.Response().BodyWriter()); err != nil {
		s.logger.Error("Failed to write metrics", slog.Any("error", err))
		return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
	}
	return nil
}

func (s *Server) statusAction(c *fiber.Ctx) error {
	if s.status == nil {
		return c.JSON(fiber.Map{"uptime": time.Since(s.started).Round(time.Second).String()})
	}
	body, err := s.status(c.UserContext())
	if err != nil {
		s.logger.Warn("Status unavailable", slog.Any("error", err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(body)
}

func (s *Server) healthAction(c *fiber.Ctx) error {
	return c.JSON(HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}
