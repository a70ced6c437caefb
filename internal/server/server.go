// Package server exposes the facilitator's HTTP API: verify and settle for
// the resource middleware, plus supported, stats and a health probe.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/internal/config"
	"github.com/x402-foundation/x402-upto/internal/db"
)

// requestIDHeader carries the request correlation ID
const requestIDHeader = "X-Request-ID"

// Server is the facilitator HTTP server
type Server struct {
	engine   *gin.Engine
	registry *x402.Facilitator
	store    *db.PaymentStore
	config   *config.Config
	address  string
	logger   *slog.Logger
	http     *http.Server
}

// New creates a server. store may be nil when no database is configured;
// verification and settlement still work, only auditing and stats drop out.
func New(
	cfg *config.Config,
	registry *x402.Facilitator,
	store *db.PaymentStore,
	facilitatorAddress string,
	logger *slog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		registry: registry,
		store:    store,
		config:   cfg,
		address:  facilitatorAddress,
		logger:   logger,
	}

	engine.Use(s.requestID())
	engine.Use(s.requestLogger())

	engine.POST("/verify", s.handleVerify)
	engine.POST("/settle", s.handleSettle)
	engine.GET("/supported", s.handleSupported)
	engine.GET("/stats", s.handleStats)
	engine.GET("/", s.handleHealth)

	return s
}

// Start runs the HTTP server until Shutdown is called
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("facilitator listening",
		"port", s.config.Port,
		"network", s.config.Network,
		"address", s.address,
		"audit_store", s.store != nil)

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Engine exposes the router for tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// requestID assigns each request a correlation ID, honoring one sent by the client
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLogger logs one line per request
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"request_id", c.GetString("request_id"))
	}
}
