// Package server wires every subsystem into one explicitly constructed
// application context and serves the REST and websocket surface. There is
// no ambient global state; everything is passed down from here.
package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/config"
	"github.com/tuleaj/plugin-aggregator/internal/deps"
	"github.com/tuleaj/plugin-aggregator/internal/environment"
	"github.com/tuleaj/plugin-aggregator/internal/events"
	apihttp "github.com/tuleaj/plugin-aggregator/internal/http"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/metrics"
	"github.com/tuleaj/plugin-aggregator/internal/middleware"
	"github.com/tuleaj/plugin-aggregator/internal/mirror"
	"github.com/tuleaj/plugin-aggregator/internal/process"
	"github.com/tuleaj/plugin-aggregator/internal/registry"
	"github.com/tuleaj/plugin-aggregator/internal/store"
	"github.com/tuleaj/plugin-aggregator/internal/uv"
	"github.com/tuleaj/plugin-aggregator/internal/ws"
)

// Version is reported on the root endpoint
const Version = "0.4.0"

// Server owns the wired subsystems and the HTTP listener
type Server struct {
	cfg        *config.Config
	logger     *logging.Logger
	router     *gin.Engine
	httpServer *http.Server

	bus        *events.Bus
	store      *store.Store
	supervisor *process.Supervisor
	registry   *registry.Registry
	metrics    *metrics.Metrics

	cancel context.CancelFunc
}

// New constructs the full application context from configuration
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.Paths.PluginsDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Paths.EnvsDir, 0o755); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Paths.ConfigFile, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	tool := uv.NewTool(cfg.Paths.UVBinary, cfg.Timeouts, logger)

	envs := environment.NewManager(cfg.Paths.EnvsDir, tool, st, bus, logger)
	mirrors := mirror.NewSelector(st, logger)
	collector := deps.NewCollector(cfg.Paths.PluginsDir, logger)
	syncer := deps.NewSynchronizer(collector, tool, envs, mirrors, bus, logger)
	supervisor := process.NewSupervisor(cfg.Process, bus, logger, nil)
	reg := registry.New(cfg.Paths.PluginsDir, syncer, supervisor, envs, st, bus, logger)
	m := metrics.New()

	// Rehydrate from the store before anything touches the disk
	reg.Rehydrate()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	handlers := apihttp.NewHandlers(reg, envs, syncer, mirrors, st, Version)
	wsHandler := ws.NewHandler(bus, logger)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	router.GET("/plugins", handlers.ListPlugins)
	router.POST("/plugins/scan", handlers.ScanPlugins)
	router.POST("/plugins/install", handlers.InstallPlugin)
	router.GET("/plugins/:name", handlers.GetPlugin)
	router.POST("/plugins/:name/start", handlers.StartPlugin)
	router.POST("/plugins/:name/stop", handlers.StopPlugin)
	router.DELETE("/plugins/:name", handlers.UninstallPlugin)

	router.GET("/dependencies", handlers.ResolvedDependencies)

	router.GET("/environments", handlers.ListEnvironments)
	router.POST("/environments", handlers.CreateEnvironment)
	router.POST("/environments/rescan", handlers.RescanEnvironments)
	router.POST("/environments/:name/sync", handlers.SyncEnvironment)
	router.POST("/environments/:name/activate", handlers.ActivateEnvironment)
	router.GET("/environments/:name/packages", handlers.EnvironmentPackages)
	router.POST("/environments/:name/packages", handlers.InstallPackage)
	router.DELETE("/environments/:name", handlers.DeleteEnvironment)

	router.GET("/mirrors", handlers.ListMirrors)
	router.PUT("/mirrors", handlers.UpdateMirrors)
	router.GET("/mirrors/health", handlers.MirrorHealth)

	router.GET("/stream", wsHandler.HandleConnection)

	return &Server{
		cfg:        cfg,
		logger:     logger.Component("server"),
		router:     router,
		bus:        bus,
		store:      st,
		supervisor: supervisor,
		registry:   reg,
		metrics:    m,
	}, nil
}

// Run starts the background consumers, scans plugins, and serves until
// the listener fails or Shutdown is called.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.registry.Run(ctx)
	go s.metrics.Run(ctx, s.bus)

	if _, err := s.registry.Scan(); err != nil {
		s.logger.Warn("initial plugin scan failed", zap.Error(err))
	}

	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("listening", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops every running plugin and drains the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.supervisor.StopAll()
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
