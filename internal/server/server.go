// Package server exposes stored run results over a read-only HTTP API.
package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/conveyorci/conveyor/internal/store"
)

// Server serves run history.
type Server struct {
	store  *store.SQLite
	router *gin.Engine
}

// New builds a server over the given store.
func New(s *store.SQLite) *Server {
	gin.SetMode(gin.ReleaseMode)
	srv := &Server{store: s, router: gin.New()}
	srv.router.Use(gin.Recovery())

	srv.router.GET("/healthz", srv.health)
	api := srv.router.Group("/api")
	{
		api.GET("/runs", srv.listRuns)
		api.GET("/runs/:id", srv.getRun)
	}
	return srv
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listRuns(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	result, err := s.store.GetRun(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
