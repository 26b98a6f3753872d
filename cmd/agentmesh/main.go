// Package main runs the agentmesh control plane: one HTTP/WebSocket server
// fronting the coordinator, per-agent state, resource locks, the VM pool,
// and repository tree caches.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agentstate"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/coordinator"
	"github.com/agentmesh/agentmesh/internal/entity"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	gateway "github.com/agentmesh/agentmesh/internal/gateway/websocket"
	"github.com/agentmesh/agentmesh/internal/github"
	"github.com/agentmesh/agentmesh/internal/gittree"
	"github.com/agentmesh/agentmesh/internal/resourcelock"
	"github.com/agentmesh/agentmesh/internal/tracing"
	"github.com/agentmesh/agentmesh/internal/vmpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentmesh...")

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Entity registry: one opener per kind, instances created on first use.
	registry := entity.NewRegistry(log)
	defer registry.Close()

	dataDir := cfg.Data.Dir
	coordinator.Register(registry, dataDir, eventBus, agentstate.NewPeers(registry), cfg.Claims.StaleAfter(), log)
	agentstate.Register(registry, dataDir, eventBus, cfg.Agent.StallThreshold(), log)
	resourcelock.Register(registry, dataDir, cfg.Lock.DefaultTTL(), log)
	vmpool.Register(registry, dataDir, eventBus, vmpool.Settings{
		HealthCheckInterval: cfg.VMPool.HealthCheckInterval(),
		BootTimeout:         cfg.VMPool.VMBootTimeout(),
		TargetFreeCapacity:  cfg.VMPool.TargetFreeCapacity,
		MaxVMs:              cfg.VMPool.MaxVMs,
	}, log)
	githubClient := github.NewClient(cfg.GitHub.Token, cfg.GitHub.APIBase)
	gittree.Register(registry, dataDir, eventBus, githubClient, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agentmesh"))
	router.Use(httpmw.OtelTracing("agentmesh"))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "X-Agent-Id", "X-Resource-Path"},
	}))

	coordinator.NewHandlers(registry, log).RegisterRoutes(router)
	agentstate.NewHandlers(registry, log).RegisterRoutes(router)
	resourcelock.NewHandlers(registry, log).RegisterRoutes(router)
	vmpool.NewHandlers(registry, log).RegisterRoutes(router)
	gittree.NewHandlers(registry, log).RegisterRoutes(router)

	ws := gateway.NewGateway(registry, eventBus, log)
	ws.RegisterRoutes(router)
	defer ws.Close()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"service":   "agentmesh",
			"timestamp": time.Now().UTC(),
			"entities":  registry.Kinds(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentmesh...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown error", zap.Error(err))
	}

	log.Info("agentmesh stopped")
}
