// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cryptonote-labs/cn-pool/internal/config"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// Checks supplies the readiness signals
type Checks struct {
	// DaemonHealthy reports whether the upstream daemon is reachable
	DaemonHealthy func() bool
	// HasTemplate reports whether a block template is available
	HasTemplate func() bool
	// SessionCount returns the number of connected miners
	SessionCount func() int
}

// Server is the probe HTTP server
type Server struct {
	cfg    *config.HealthConfig
	checks Checks
	server *http.Server
}

// NewServer creates the probe server
func NewServer(cfg *config.HealthConfig, checks Checks) *Server {
	return &Server{cfg: cfg, checks: checks}
}

// router builds the probe routes
func (s *Server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/readyz", func(c *gin.Context) {
		daemonOK := s.checks.DaemonHealthy == nil || s.checks.DaemonHealthy()
		templateOK := s.checks.HasTemplate == nil || s.checks.HasTemplate()

		status := http.StatusOK
		if !daemonOK || !templateOK {
			status = http.StatusServiceUnavailable
		}

		body := gin.H{
			"daemon":   daemonOK,
			"template": templateOK,
		}
		if s.checks.SessionCount != nil {
			body["sessions"] = s.checks.SessionCount()
		}
		c.JSON(status, body)
	})

	return router
}

// Start begins serving probes; it returns immediately
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router(),
	}

	go func() {
		util.Infof("Health probe server listening on %s", s.cfg.Bind)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("Health server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the probe server down
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}
