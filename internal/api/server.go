// Package api wires the HTTP surface (spec §6.1) to the job queue, worker
// pool, and credential provider.
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/alphacore/vmvalidate/internal/auth"
	"github.com/alphacore/vmvalidate/internal/credentials"
	"github.com/alphacore/vmvalidate/internal/metrics"
	"github.com/alphacore/vmvalidate/internal/queue"
	"github.com/alphacore/vmvalidate/internal/worker"
)

// Server serves the submission API.
type Server struct {
	echo       *echo.Echo
	queue      *queue.Queue
	pool       *worker.Pool
	creds      *credentials.Provider
	logBaseURL string
}

// Config configures a Server.
type Config struct {
	APIKey     string
	LogBaseURL string // prefix used to build log_url in responses, e.g. http://host:port
}

// New builds a Server wired to the given queue, pool, and credential
// provider, with routes matching spec §6.1 exactly — including
// registering /validate/active before /validate/:job_id so the literal
// "active" is never consumed as a job id.
func New(cfg Config, q *queue.Queue, pool *worker.Pool, creds *credentials.Provider) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(metrics.EchoMiddleware())

	s := &Server{echo: e, queue: q, pool: pool, creds: creds, logBaseURL: cfg.LogBaseURL}

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("")
	api.Use(auth.APIKeyMiddleware(cfg.APIKey))

	api.POST("/validate", s.submitValidation)
	api.GET("/validate/active", s.listActive)
	api.GET("/validate/:job_id", s.getJob)
	api.GET("/validate/:job_id/log", s.getJobLog)
	api.GET("/task/:task_id", s.getTaskJobs)

	return s
}

// Start serves on addr, blocking until the server stops or errors.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}
