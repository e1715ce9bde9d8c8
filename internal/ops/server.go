// Package ops is the operator HTTP API: health, per-store metrics
// rollups, circuit breaker inspection and the manual sync trigger.
// Mutating routes are restricted to loopback callers.
package ops

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/venuesync/venuesync/internal/breaker"
	"github.com/venuesync/venuesync/internal/history"
	"github.com/venuesync/venuesync/internal/metrics"
	"github.com/venuesync/venuesync/internal/scheduler"
	"github.com/venuesync/venuesync/pkg/logger"
)

// Params wires the operator server.
type Params struct {
	Port      int
	Scheduler *scheduler.Scheduler
	Recorder  *metrics.Recorder
	Breakers  []*breaker.Breaker
	History   *history.Sink
	Log       *logger.Logger
}

// Server is the operator HTTP server.
type Server struct {
	p      Params
	router *gin.Engine
	srv    *http.Server
}

// NewServer builds the operator server and its routes.
func NewServer(p Params) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		p:      p,
		router: router,
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", p.Port),
			Handler: router,
		},
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.p.Log.Info("operator API request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	})
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", s.handleMetrics)
	s.router.GET("/metrics/store/:id", s.handleStoreMetrics)
	s.router.GET("/metrics/history", s.handleHistory)
	s.router.GET("/circuit-breakers", s.handleBreakers)

	local := s.router.Group("/", localhostOnly())
	local.POST("/circuit-breakers/reset/:name", s.handleBreakerReset)
	local.POST("/trigger-sync", s.handleTriggerSync)
}

// localhostOnly rejects mutating calls from non-loopback peers.
func localhostOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			c.JSON(http.StatusForbidden, gin.H{"error": "local access only"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.p.Scheduler.Health()
	status := http.StatusOK
	if h.Status == "ERROR" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stores": s.p.Recorder.All()})
}

func (s *Server) handleStoreMetrics(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store id"})
		return
	}
	stats, ok := s.p.Recorder.Store(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no runs recorded for store"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if s.p.History != nil {
		runs, err := s.p.History.RecentRuns(limit)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"source": "postgres", "runs": runs})
			return
		}
		s.p.Log.Warn("history query failed, falling back to in-memory rollup", "error", err.Error())
	}
	c.JSON(http.StatusOK, gin.H{"source": "memory", "runs": s.p.Recorder.History(limit)})
}

func (s *Server) handleBreakers(c *gin.Context) {
	snaps := make([]breaker.Snapshot, 0, len(s.p.Breakers))
	for _, b := range s.p.Breakers {
		snaps = append(snaps, b.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"breakers": snaps})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	name := c.Param("name")
	for _, b := range s.p.Breakers {
		if b.Name() == name {
			b.Reset()
			s.p.Log.Info("circuit breaker reset by operator", "breaker", name)
			c.JSON(http.StatusOK, gin.H{"reset": name, "state": b.State()})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker", "name": name})
}

func (s *Server) handleTriggerSync(c *gin.Context) {
	if !s.p.Scheduler.Trigger() {
		c.JSON(http.StatusConflict, gin.H{"error": "sweep already running or queued"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

// Handler exposes the route tree; used by tests and embedding servers.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until shutdown.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
