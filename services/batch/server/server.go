// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the batch engine over HTTP.
//
// Routes:
//
//	GET  /health
//	GET  /metrics                  (when a metrics handler is configured)
//	POST /v1/batch/plan            plan a request document without running it
//	POST /v1/batch/execute         run a request document and return the Report
//	GET  /v1/batch/stream          WebSocket: send one document, receive progress
//	GET  /v1/transactions          list transactions (?active=true for open ones)
//	GET  /v1/transactions/:id      one transaction
//	POST /v1/transactions/cleanup  roll back abandoned transactions (?maxAge=10m)
//
// Request documents are the JSON or YAML batch format of package request.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/filebatch/services/batch/engine"
)

// DefaultMaxRequestBytes caps request documents when Config leaves it zero.
const DefaultMaxRequestBytes int64 = 8 << 20

// DefaultCleanupMaxAge is used by the cleanup route without ?maxAge.
const DefaultCleanupMaxAge = 10 * time.Minute

// Config wires a Server. Engine is required.
type Config struct {
	Engine *engine.Engine

	// Defaults are the options a request document overrides.
	// Default: engine.DefaultOptions().
	Defaults *engine.Options

	// MaxRequestBytes caps request bodies and WebSocket messages.
	MaxRequestBytes int64

	// ServiceName names the otelgin spans. Default: "filebatch".
	ServiceName string

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP front end of one Engine.
type Server struct {
	engine   *engine.Engine
	defaults engine.Options
	maxBytes int64
	logger   *slog.Logger
	router   *gin.Engine
}

// New builds the router. Nothing listens until Run.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	s := &Server{
		engine:   cfg.Engine,
		defaults: engine.DefaultOptions(),
		maxBytes: cfg.MaxRequestBytes,
		logger:   cfg.Logger,
	}
	if cfg.Defaults != nil {
		s.defaults = *cfg.Defaults
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxRequestBytes
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	service := cfg.ServiceName
	if service == "" {
		service = "filebatch"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(service), s.accessLog())
	s.routes(router, cfg.Metrics)
	s.router = router
	return s, nil
}

func (s *Server) routes(router *gin.Engine, metrics http.Handler) {
	router.GET("/health", s.health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/v1")
	{
		batch := v1.Group("/batch")
		{
			batch.POST("/plan", s.plan)
			batch.POST("/execute", s.execute)
			batch.GET("/stream", s.stream)
		}
		txs := v1.Group("/transactions")
		{
			txs.GET("", s.listTransactions)
			txs.GET("/:id", s.getTransaction)
			txs.POST("/cleanup", s.cleanup)
		}
	}
}

// Handler returns the router for use with httptest or another server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
//
// # Inputs
//
//   - ctx: Cancel to stop the server.
//   - addr: host:port to listen on.
//   - readTimeout: Limit for reading a request, 0 for none.
//   - shutdownTimeout: How long in-flight requests get after ctx ends.
//
// # Outputs
//
//   - error: Nil after a clean shutdown.
func (s *Server) Run(ctx context.Context, addr string, readTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	stats := s.engine.Pool().Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"runningTasks":        stats.Running,
		"queuedTasks":         stats.Queued,
		"activeTransactions":  len(s.engine.Transactions().Active()),
		"sharedCacheHits":     s.engine.CacheStats().Hits,
		"maxConcurrentWorker": stats.MaxConcurrent,
	})
}
