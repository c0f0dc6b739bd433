// Package server composes the service: configuration, logging, metrics,
// kernel infrastructure and the gin router.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/nbkernel/kernelbridge/internal/api/http"
	"github.com/nbkernel/kernelbridge/internal/api/middleware"
	"github.com/nbkernel/kernelbridge/internal/daemon"
	"github.com/nbkernel/kernelbridge/internal/env"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/config"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/launcher"
	"github.com/nbkernel/kernelbridge/internal/ports"
	"github.com/nbkernel/kernelbridge/internal/provider"
	"github.com/nbkernel/kernelbridge/internal/session"
	"github.com/nbkernel/kernelbridge/internal/ws"
)

// Server wraps the HTTP server and its kernel infrastructure.
type Server struct {
	router    *gin.Engine
	http      *http.Server
	sessions  *session.Manager
	notebooks *provider.Notebooks
	pool      *daemon.Pool
	servers   *provider.Servers
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing kernelbridge",
		zap.String("port", cfg.Server.Port),
		zap.Int("kernel_port_start", cfg.Kernel.PortRangeStart),
		zap.Bool("daemon_pool", cfg.Kernel.DaemonPool),
	)

	metrics := monitoring.NewMetrics()

	allocator := ports.NewAllocator(ports.WithStartPort(cfg.Kernel.PortRangeStart))
	resolver := env.NewResolver(nil, nil, logger)
	pool := daemon.NewPool(cfg.Kernel.DaemonPool, logger)
	registry := kernelspec.NewRegistry(cfg.Kernel.KernelspecDirs)
	servers := provider.NewServers(cfg.Jupyter.Token, cfg.Jupyter.RequestTimeout, logger, metrics)
	sessions := session.NewManager(logger, metrics)
	notebooks := provider.NewNotebooks(logger)

	l := launcher.New(launcher.Config{
		Ports:           allocator,
		Env:             resolver,
		Pool:            pool,
		Servers:         servers,
		LaunchTimeout:   cfg.Kernel.LaunchTimeout,
		StandbyRestarts: cfg.Kernel.StandbyRestarts,
		Logger:          logger,
		Metrics:         metrics,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(nil))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	handlers := apihttp.NewHandlers(sessions, l, registry, notebooks, logger)
	wsHandler := ws.NewHandler(sessions, logger, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	router.GET("/kernelspecs", handlers.ListKernelSpecs)

	router.POST("/kernels", handlers.StartKernel)
	router.GET("/kernels", handlers.ListKernels)
	router.GET("/kernels/:id", handlers.GetKernel)
	router.POST("/kernels/:id/interrupt", handlers.InterruptKernel)
	router.POST("/kernels/:id/restart", handlers.RestartKernel)
	router.POST("/kernels/:id/execute", handlers.Execute)
	router.DELETE("/kernels/:id", handlers.StopKernel)

	router.GET("/kernels/:id/channels", wsHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info("Server initialized")

	return &Server{
		router:    router,
		sessions:  sessions,
		notebooks: notebooks,
		pool:      pool,
		servers:   servers,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))

	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close drains sessions and shuts the server down.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown failed", zap.Error(err))
		}
	}

	s.sessions.Shutdown(ctx)
	s.notebooks.Close()
	s.pool.Close()
	s.servers.Close()

	s.logger.Sync()
	return nil
}
