// Package server wires the transport layer: gin routing, the admission and
// usage middleware chain, and thin handlers over the core packages.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/billing"
	"github.com/apimeter/apimeter/internal/config"
	"github.com/apimeter/apimeter/internal/credential"
	"github.com/apimeter/apimeter/internal/ratelimit"
	"github.com/apimeter/apimeter/internal/usage"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front of the gateway.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New builds the router. Middleware order mirrors the request flow: admission
// control first (unknown credentials pass through), then authentication on
// metered routes, then usage tracking after the handler responds.
func New(cfg *config.Config, conn *gorm.DB, resolver *credential.Resolver, limiter *ratelimit.Limiter, recorder *usage.Recorder, aggregator *billing.Aggregator) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLog())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	front := NewFrontHandler(conn)
	metered := engine.Group("/api/v1")
	metered.Use(RateLimit(limiter), UsageTracking(recorder), KeyAuth(resolver))
	metered.POST("/demo/generate", front.Generate)
	metered.GET("/usage/summary", front.UsageSummary)
	metered.GET("/billing/invoices", front.ListInvoices)

	adminHandler := NewAdminHandler(conn, resolver, aggregator)
	admin := engine.Group("/api/v1/admin")
	admin.Use(AdminAuth(cfg.Admin.JWTSecret))
	admin.POST("/orgs", adminHandler.CreateOrg)
	admin.POST("/keys", adminHandler.CreateKey)
	admin.GET("/keys", adminHandler.ListKeys)
	admin.DELETE("/keys/:id", adminHandler.DeactivateKey)
	admin.POST("/plans", adminHandler.CreatePlan)
	admin.GET("/plans", adminHandler.ListPlans)
	admin.POST("/billing/invoices", adminHandler.GenerateInvoice)
	admin.PATCH("/invoices/:id/status", adminHandler.UpdateInvoiceStatus)
	admin.GET("/analytics", adminHandler.Analytics)

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("http server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
