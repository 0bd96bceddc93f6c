// Package api provides the HTTP status API of a mailbox relay
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/config"
	"github.com/ZentaChain/zentalk-mailbox/pkg/logging"
	"github.com/ZentaChain/zentalk-mailbox/pkg/metrics"
	"github.com/ZentaChain/zentalk-mailbox/pkg/network"
	"github.com/ZentaChain/zentalk-mailbox/pkg/storage"
)

// Relay is the view of a relay server the API reports on
type Relay interface {
	Stats() network.RelayStats
	Registry() *storage.ClientRegistry
	Queue() storage.MessageStore
}

// Server represents the HTTP status API
type Server struct {
	relay      Relay
	metrics    *metrics.Metrics
	cfg        config.APIConfig
	router     *gin.Engine
	httpServer *http.Server
	limiter    *RateLimiter
	log        *logrus.Entry
	startTime  time.Time
}

// NewServer creates the API server. m may be nil, which disables /metrics.
func NewServer(relay Relay, m *metrics.Metrics, cfg config.APIConfig, logger logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		relay:     relay,
		metrics:   m,
		cfg:       cfg,
		router:    gin.New(),
		log:       logging.Component(logger, "api"),
		startTime: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.cfg.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	if s.cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(s.cfg.RateLimit, time.Minute)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/stats", s.handleStats)

		clients := v1.Group("/clients")
		{
			clients.GET("", s.handleClients)
			clients.GET("/:id", s.handleClient)
		}

		v1.GET("/queue/:id", s.handleQueue)
	}

	s.router.GET("/health", s.handleHealth)

	if s.cfg.EnableMetrics && s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.cfg.Addr, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", listener.Addr().String()).Info("Status API listening")
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info("Shutting down status API")
	return s.httpServer.Shutdown(shutdownCtx)
}
