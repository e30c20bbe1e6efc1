// Package api is the HTTP surface of the gateway: a thin gin layer that
// translates requests into manager, dispatcher, and repository calls.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/github"
	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/manager"
	"github.com/fluidmcp/fluidmcp/pkg/metrics"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
	"github.com/fluidmcp/fluidmcp/pkg/version"
)

// Server wires the HTTP handlers to the gateway core.
type Server struct {
	cfg        config.Config
	manager    *manager.Manager
	dispatcher *llm.Dispatcher
	github     *github.Client
	repo       repository.Repository
	recorder   metrics.Recorder
	metricsH   http.Handler
	logger     *slog.Logger

	httpServer *http.Server
}

// NewServer creates the API server. metricsHandler serves GET /metrics and
// may be nil when metrics are disabled.
func NewServer(cfg config.Config, mgr *manager.Manager, dispatcher *llm.Dispatcher, gh *github.Client, repo repository.Repository, recorder metrics.Recorder, metricsHandler http.Handler) *Server {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Server{
		cfg:        cfg,
		manager:    mgr,
		dispatcher: dispatcher,
		github:     gh,
		repo:       repo,
		recorder:   recorder,
		metricsH:   metricsHandler,
		logger:     slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(s.requestMetrics())

	r.GET("/health", s.health)
	if s.metricsH != nil {
		r.GET("/metrics", gin.WrapH(s.metricsH))
	}

	protected := r.Group("", s.bearerAuth())

	servers := protected.Group("/api/servers")
	{
		servers.GET("", s.listServers)
		servers.POST("", s.createServer)
		servers.POST("/from-github", s.createServerFromGitHub)
		servers.GET("/:id", s.getServer)
		servers.PUT("/:id", s.updateServer)
		servers.DELETE("/:id", s.deleteServer)
		servers.POST("/:id/start", s.startServer)
		servers.POST("/:id/stop", s.stopServer)
		servers.POST("/:id/restart", s.restartServer)
		servers.GET("/:id/status", s.serverStatus)
		servers.GET("/:id/logs", s.serverLogs)
		servers.GET("/:id/tools", s.serverTools)
		servers.POST("/:id/tools/:tool_name/run", s.runTool)
	}

	protected.POST("/api/restart/:id/reset", s.resetRestarts)

	llmGroup := protected.Group("/api/llm")
	{
		llmGroup.GET("/models", s.listModels)
		llmGroup.POST("/models", s.createModel)
		llmGroup.GET("/models/:model_id", s.getModel)
		llmGroup.PUT("/models/:model_id", s.updateModel)
		llmGroup.DELETE("/models/:model_id", s.deleteModel)
		llmGroup.POST("/:model_id/v1/chat/completions", s.chatCompletions)
		llmGroup.POST("/:model_id/v1/completions", s.completions)
	}

	return r
}

// Run serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "version", version.Full())
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		s.logger.Warn("health check database ping failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "ok",
	})
}
