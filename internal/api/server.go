// Package api exposes the run orchestrator over HTTP: run submission,
// result polling, server-sent log streams and the static artifacts.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/CZERTAINLY/Autotest/internal/logsink"
	"github.com/CZERTAINLY/Autotest/internal/service"
)

const DefaultHeartbeat = 15 * time.Second

// Config wires the server to the orchestrator components. All fields but
// Heartbeat and PollInterval are required.
type Config struct {
	Scheduler    *service.Scheduler
	Results      *service.Results
	Resolver     service.Resolver
	Logs         *logsink.Dir
	ReportsDir   string
	Heartbeat    time.Duration // SSE keep-alive comment interval
	PollInterval time.Duration // log tail polling fallback
	Version      string
}

type Server struct {
	app    *fiber.App
	config Config

	stopOnce sync.Once
	stop     chan struct{}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func New(config Config) *Server {
	if config.Heartbeat <= 0 {
		config.Heartbeat = DefaultHeartbeat
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		AppName:               "autotest",
		DisableStartupMessage: true,
	})

	s := &Server{
		app:    app,
		config: config,
		stop:   make(chan struct{}),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New())
	s.app.Use(cors.New())
	s.app.Use(requestLogger)
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")
	api.Get("/health", s.health)
	api.Post("/run", s.run)
	api.Post("/run-async", s.runAsync)
	api.Post("/run-robot", s.runRobot)
	api.Post("/run-qtest", s.runQtest)
	api.Get("/run-results", s.runResults)
	api.Get("/stream", s.stream)

	s.app.Static("/logs", s.config.Logs.Path())
	s.app.Static("/reports", s.config.ReportsDir)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on address until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then ends the open log
// streams and shuts the server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()
	slog.InfoContext(ctx, "http server listening", "address", ln.Addr().String())

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown ends the open log streams and gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}
	if code >= fiber.StatusInternalServerError {
		slog.ErrorContext(c.UserContext(), "request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(ErrorResponse{Error: message})
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	slog.DebugContext(c.UserContext(), "http request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"latency", time.Since(start).String(),
	)
	return err
}
