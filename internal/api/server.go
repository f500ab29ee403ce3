package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/events"
	"github.com/cryo-specimen-server/internal/middleware"
	"github.com/cryo-specimen-server/internal/service"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Services bundles the core components served over HTTP
type Services struct {
	Registry    *service.SpecimenRegistry
	Quality     *service.QualityAssessment
	Ledger      *service.ImportLedger
	Tree        *service.LocationTree
	Coordinator *service.AllocationCoordinator
	Provisioner *service.LocationProvisioner
	Locations   domain.LocationWriter
	Bus         *events.Bus
	Gatherer    prometheus.Gatherer
	// Health reports the readiness of the backing store; nil means always ready
	Health func(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	config   *domain.Config
	services Services
	router   *gin.Engine
	server   *http.Server
	logger   *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(config *domain.Config, services Services, logger *logrus.Logger) *Server {
	// Set Gin mode based on environment
	if config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.CorrelationID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.AuditLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(corsMiddleware())

	server := &Server{
		config:   config,
		services: services,
		router:   router,
		logger:   logger,
	}

	server.setupRoutes()

	return server
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Live feeds never finish on their own
	if s.services.Bus != nil {
		s.services.Bus.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.services.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.services.Gatherer, promhttp.HandlerOpts{})))
	}

	// The feed outlives any request timeout
	s.router.GET("/api/v1/cryo-imports/stream", s.handleImportStream)

	v1 := s.router.Group("/api/v1", middleware.RequestTimeout(s.config.Server.RequestTimeout))
	{
		samples := v1.Group("/samples")
		samples.GET("", s.handleListSamples)
		samples.POST("", s.handleCreateSample)
		samples.GET("/:id", s.handleGetSample)
		samples.PATCH("/:id", s.handleUpdateDetails)
		samples.PATCH("/:id/:quality", s.handleUpdateQuality)
		samples.POST("/:id/transitions", s.handleTransition)
		samples.POST("/:id/retrieve", s.handleRetrieve)
		samples.POST("/:id/assessment", s.handleAssess)
		samples.POST("/:id/culture", s.handleAdmitToCulture)
		samples.GET("/:id/location", s.handleSampleLocation)
		samples.GET("/:id/history", s.handleSampleHistory)

		v1.POST("/embryos", s.handleCreateEmbryo)

		locations := v1.Group("/cryo-locations")
		locations.GET("/roots", s.handleRoots)
		locations.POST("", s.handleCreateLocation)
		locations.POST("/tanks", s.handleProvisionTank)
		locations.GET("/:id", s.handleGetLocation)
		locations.GET("/:id/children", s.handleChildren)
		locations.GET("/:id/occupant", s.handleOccupant)

		imports := v1.Group("/cryo-imports")
		imports.GET("", s.handleListImports)
		imports.POST("", s.handleImport)
		imports.POST("/moves", s.handleMove)
		imports.POST("/records", s.handleAppendRecord)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	body := gin.H{
		"version": Version,
		"storage": s.config.Storage.Driver,
	}
	if s.services.Health != nil {
		if err := s.services.Health(c.Request.Context()); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	if s.services.Bus != nil {
		body["subscribers"] = s.services.Bus.Subscribers()
	}
	body["status"] = status
	body["timestamp"] = time.Now().UTC()
	c.JSON(code, body)
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Correlation-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
