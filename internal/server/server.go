package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/daemon"
	"hl-sentinel-bot/internal/watch"
)

// Server is the daemon's outward HTTP surface: status, the event log,
// watchpoint CRUD, a manual wake trigger and Prometheus metrics.
type Server struct {
	cfg     config.ServerConfig
	daemon  *daemon.Daemon
	metrics http.Handler
	log     *zap.Logger
}

func New(cfg config.ServerConfig, d *daemon.Daemon, metricsHandler http.Handler, log *zap.Logger) *Server {
	return &Server{cfg: cfg, daemon: d, metrics: metricsHandler, log: log}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/events", s.handleEvents)
	api.GET("/watchpoints", s.handleWatchpointsList)
	api.POST("/watchpoints", s.handleWatchpointCreate)
	api.DELETE("/watchpoints/:id", s.handleWatchpointDelete)
	api.POST("/wake", s.handleWake)
	return r
}

// Run serves until ctx is canceled, then drains with a short timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("http server listening", zap.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.daemon.Status())
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"events": s.daemon.Events(limit)})
}

func (s *Server) handleWatchpointsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"watchpoints": s.daemon.Watchpoints()})
}

type createWatchpointRequest struct {
	Symbol    string  `json:"symbol"`
	Condition string  `json:"condition" binding:"required"`
	Threshold float64 `json:"threshold"` // validated per condition by the watch engine
	Rationale string  `json:"rationale"`
	ExpiresIn string  `json:"expires_in"` // Go duration, e.g. "168h"; empty uses the default
}

func (s *Server) handleWatchpointCreate(c *gin.Context) {
	var req createWatchpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var expiry time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in must be a positive duration"})
			return
		}
		expiry = time.Now().UTC().Add(d)
	}
	w, err := s.daemon.CreateWatchpoint(c.Request.Context(), req.Symbol, watch.Condition(req.Condition), req.Threshold, req.Rationale, expiry)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleWatchpointDelete(c *gin.Context) {
	if err := s.daemon.DeleteWatchpoint(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type wakeRequest struct {
	Reason string `json:"reason"`
}

// handleWake runs the dispatcher asynchronously and answers 202; the
// outcome shows up in the event log.
func (s *Server) handleWake(c *gin.Context) {
	var req wakeRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual wake via API"
	}
	s.daemon.ManualWake(req.Reason)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
