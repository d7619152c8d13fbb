package worker

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/metrics"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/queue"
)

// Server is the worker's HTTP surface: health and queue gating for the
// orchestration layer, the dispatcher callback endpoint, and metrics.
type Server struct {
	app      *fiber.App
	worker   *Worker
	provider queue.Provider
	metrics  *metrics.Registry
	logger   *slog.Logger
}

func NewServer(w *Worker, provider queue.Provider, m *metrics.Registry, logger *slog.Logger) *Server {
	s := &Server{
		app:      fiber.New(fiber.Config{DisableStartupMessage: true}),
		worker:   w,
		provider: provider,
		metrics:  m,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		s.metrics.RecordRequest(c.Method(), c.Path(), c.Response().StatusCode())
		return err
	})

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	s.app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/plain; version=0.0.4")
		return c.SendString(s.metrics.Export())
	})

	// Deploy gating: 503 while jobs are in flight so the orchestration
	// layer waits for a drain before replacing the instance.
	s.app.Get("/admin/queues", func(c *fiber.Ctx) error {
		active := s.worker.ActiveJobs()
		if n, err := s.provider.ActiveCount(c.Context()); err == nil && n > active {
			active = n
		}
		if active > 0 {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"active": active})
		}
		return c.JSON(fiber.Map{"active": 0})
	})

	s.app.Post("/tasks/process", s.handleTask)
}

// handleTask receives dispatcher-pushed jobs. It always replies 200 so
// the dispatcher does not redeliver permanent failures; durability of
// the outcome lives in the state store.
func (s *Server) handleTask(c *fiber.Ctx) error {
	payload, err := queue.DecodeTaskPayload(c.Body())
	if err != nil {
		s.logger.Error("task payload rejected", "error", err)
		return c.JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	tq, ok := s.provider.(*queue.TasksQueue)
	if !ok {
		s.logger.Error("tasks endpoint hit without cloud-tasks provider", "job_id", payload.JobID)
		return c.JSON(fiber.Map{"success": false, "jobId": payload.JobID, "error": "cloud-tasks provider not configured"})
	}

	s.logger.Info("task received", "job_id", payload.JobID,
		"task", c.Get("X-CloudTasks-TaskName"), "queue", c.Get("X-CloudTasks-QueueName"))

	job := tq.JobFromPayload(payload)
	s.worker.Process(context.WithoutCancel(c.Context()), job)

	if state, err := s.provider.GetJobState(c.Context(), job.ID); err == nil && state == model.StatusFailed {
		msg, _ := s.provider.GetJobError(c.Context(), job.ID)
		return c.JSON(fiber.Map{"success": false, "jobId": job.ID, "error": msg})
	}
	return c.JSON(fiber.Map{"success": true, "jobId": job.ID})
}

// Listen serves until Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
