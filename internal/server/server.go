// Package server exposes run status and a manual trigger over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"activity-sync/internal/queue"
	activitysync "activity-sync/internal/sync"
)

// Controller is the part of the sync manager the server needs.
type Controller interface {
	Running() bool
	RunOnce(ctx context.Context) ([]activitysync.SyncOutcome, error)
	History() *activitysync.History
}

type Server struct {
	ctl   Controller
	spool *queue.Processor
	// base is the context triggered runs inherit.
	base   context.Context
	engine *gin.Engine
}

// New builds the router. spool may be nil when the spool is disabled.
func New(base context.Context, ctl Controller, spool *queue.Processor) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{ctl: ctl, spool: spool, base: base, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/health", s.health)
	s.engine.GET("/runs", s.runs)
	s.engine.POST("/runs", s.trigger)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("Status server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.ctl.Running()})
}

func (s *Server) runs(c *gin.Context) {
	resp := gin.H{
		"running":  s.ctl.Running(),
		"outcomes": s.ctl.History().Outcomes(),
	}
	if s.spool != nil {
		stats, err := s.spool.Stats()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["spool"] = stats
	}
	c.JSON(http.StatusOK, resp)
}

// trigger starts a run in the background. A run already in progress is a
// conflict rather than a queued request.
func (s *Server) trigger(c *gin.Context) {
	if s.ctl.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": activitysync.ErrRunInProgress.Error()})
		return
	}

	go func() {
		if _, err := s.ctl.RunOnce(s.base); err != nil {
			log.Error().Err(err).Msg("Triggered sync failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}
