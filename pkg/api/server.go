// Package api is the thin HTTP shell over the orchestration entry points.
// It owns transport concerns only: bearer extraction, DTO mapping, and
// error-to-status translation. All behaviour lives behind the Service
// interface.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/metacogna/sentinel/pkg/auth"
	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/orchestrator"
	"github.com/metacogna/sentinel/pkg/supervisor"
)

// Service is the slice of the orchestrator the shell consumes.
type Service interface {
	Complete(ctx context.Context, principal auth.Principal, history []models.CanonicalMessage, opts orchestrator.Options) (models.CanonicalMessage, error)
	AgentStatus(principal auth.Principal) ([]supervisor.AgentHealth, error)
	MemoryBudget(principal auth.Principal) (models.TokenBudget, error)
	IsReady(ctx context.Context) bool
}

// Server hosts the HTTP surface.
type Server struct {
	service Service
	keys    *auth.Store
	router  *gin.Engine
}

// NewServer builds the router.
func NewServer(service Service, keys *auth.Store) *Server {
	s := &Server{service: service, keys: keys}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)

	v1 := router.Group("/api/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/complete", s.handleComplete)
		v1.GET("/agents", s.handleAgentStatus)
		v1.GET("/memory/budget", s.handleMemoryBudget)
	}

	s.router = router
	return s
}

// Router exposes the handler for http.Server and tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.service.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
