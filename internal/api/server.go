// Package api exposes sessions, sub-agent batches, cron jobs and the
// heartbeat over HTTP/JSON.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/heartbeat"
	"tradeclaw/internal/task/orchestrator"
	logx "tradeclaw/pkg/logx"
)

const defaultAddr = "127.0.0.1:8787"

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string

	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof                bool
	MutexProfileFraction int
	BlockProfileRate     int
}

// Services are the components served. Nil members answer 503.
type Services struct {
	Orchestrator *orchestrator.Service
	Cron         *cron.Service
	Heartbeat    *heartbeat.Service
	// Timezone applies to scheduleText values without an offset.
	Timezone string
}

type Server struct {
	cfg    Config
	svc    Services
	log    logx.Logger
	router *gin.Engine

	mu  sync.Mutex
	srv *http.Server
}

func New(cfg Config, svc Services, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	s := &Server{cfg: cfg, svc: svc, log: log.With(logx.String("comp", "api"))}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())
	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api", s.auth())
	{
		api.POST("/sessions", s.handleSpawn)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/wait", s.handleWaitSession)
		api.POST("/sessions/:id/send", s.handleSend)
		api.POST("/sessions/:id/cancel", s.handleCancel)

		api.POST("/subagents/strategies", s.handleSpawnStrategies)
		api.POST("/subagents/analysis", s.handleSpawnAnalysis)
		api.GET("/results/:tag", s.handleResults)

		api.GET("/cron/status", s.handleCronStatus)
		api.GET("/cron/jobs", s.handleListJobs)
		api.POST("/cron/jobs", s.handleAddJob)
		api.GET("/cron/jobs/:id", s.handleGetJob)
		api.PATCH("/cron/jobs/:id", s.handleUpdateJob)
		api.DELETE("/cron/jobs/:id", s.handleRemoveJob)
		api.POST("/cron/jobs/:id/run", s.handleRunJob)
		api.POST("/cron/jobs/:id/enable", s.handleEnableJob)
		api.POST("/cron/jobs/:id/disable", s.handleDisableJob)
		api.GET("/cron/jobs/:id/history", s.handleJobHistory)

		api.GET("/heartbeat", s.handleHeartbeatStatus)
		api.POST("/heartbeat/trigger", s.handleHeartbeatTrigger)
	}
	if cfg.Pprof {
		s.mountPprof(router)
	}
	s.router = router
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on cfg.Addr and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		d := time.Since(start)
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", d),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	out := gin.H{"ok": true}
	if s.svc.Orchestrator != nil {
		out["orchestrator"] = s.svc.Orchestrator.Snapshot()
	}
	if s.svc.Cron != nil {
		out["cron"] = s.svc.Cron.Status()
	}
	c.JSON(http.StatusOK, out)
}
