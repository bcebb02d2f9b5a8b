// Package main is the entry point for the ADS server. One binary hosts the
// WebSocket gateway, the agent orchestrator, and the task coordinator with
// shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adsproject/ads/internal/agent/agents"
	"github.com/adsproject/ads/internal/agent/prober"
	"github.com/adsproject/ads/internal/common/config"
	"github.com/adsproject/ads/internal/common/httpmw"
	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/common/tracing"
	"github.com/adsproject/ads/internal/events/bus"
	"github.com/adsproject/ads/internal/gateway/websocket"
	"github.com/adsproject/ads/internal/session"
	"github.com/adsproject/ads/internal/task/store"
	"github.com/adsproject/ads/internal/task/verify"
)

const probeInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ADS server...")

	tracing.Init(cfg.Tracing)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Durable workspace state lives under <workspace>/.ads.
	if err := os.MkdirAll(cfg.Workspace.StateDir(), 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err), zap.String("dir", cfg.Workspace.StateDir()))
	}

	st, err := store.Open(cfg.Workspace.StateDBPath(), log)
	if err != nil {
		log.Fatal("Failed to open task store", zap.Error(err), zap.String("db_path", cfg.Workspace.StateDBPath()))
	}
	defer st.Close()
	log.Info("Task store ready", zap.String("db_path", cfg.Workspace.StateDBPath()))

	eventBus, err := bus.New(cfg.Events, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err), zap.String("url", cfg.Events.URL))
	}
	defer eventBus.Close()
	if cfg.Events.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.Events.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	pb := prober.New(log, cfg.Agents.ProbeTimeout())
	pb.Start(ctx, agents.CLIBinaries(cfg), probeInterval)

	sessions := session.NewManager(cfg, st, eventBus, pb, log)
	sessions.StartCleanup(ctx)

	verifier := verify.NewRunner(cfg.Verification, log)
	if verifier.Enabled() {
		log.Info("Task verification enabled", zap.Strings("allowed_commands", cfg.Verification.AllowedCommands))
	} else {
		log.Info("Task verification disabled")
	}

	bridge := websocket.NewBridge(cfg, sessions, st, verifier, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.AccessLog(log))
	router.Use(httpmw.Tracing())

	router.GET("/ws", bridge.HandleConnection)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "ads",
			"clients": bridge.ClientCount(),
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("WebSocket server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down ADS server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("ADS server stopped")
}
