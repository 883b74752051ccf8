// Package main is the unified entry point for Synapse Hub.
// One binary serves the task API, the Gemini conversation orchestrator, the
// Cursor Connector command broker, and the websocket gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/httpmw"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/tracing"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"

	taskhandlers "github.com/funkyflowstudios/synapse-hub-sub001/internal/task/handlers"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/repository"
	taskservice "github.com/funkyflowstudios/synapse-hub-sub001/internal/task/service"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini"
	geminihandlers "github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini/handlers"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini/orchestrator"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/broker"
	cursorhandlers "github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/handlers"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/transport"

	gatewayws "github.com/funkyflowstudios/synapse-hub-sub001/internal/gateway/websocket"
)

const version = "0.1.0"

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting synapse-hub", zap.String("version", version))

	if cfg.Tracing.Enabled {
		tracing.Enable()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory unless NATS is configured)
	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events.NATSURL, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.String("url", cfg.Events.NATSURL), zap.Error(err))
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.Events.NATSURL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Store
	repo, closeRepo, err := repository.Provide(cfg)
	if err != nil {
		log.Fatal("failed to initialize store", zap.String("url", cfg.DB.URL), zap.Error(err))
	}
	defer func() { _ = closeRepo() }()
	log.Info("store initialized", zap.String("url", cfg.DB.URL))

	// 5. Task service
	svc := taskservice.NewService(repo, eventBus, log, cfg.Task)
	svc.StartJanitor(ctx)

	// 6. Gemini orchestrator
	if cfg.LLM.APIKey == "" {
		log.Warn("llm.api_key not set - conversation sends will fail until configured")
	}
	llm := gemini.NewClient(cfg.LLM, "", log)
	orch := orchestrator.NewOrchestrator(llm, svc, eventBus, log, cfg.LLM, cfg.Task.MaxConcurrent)
	svc.SetSendCanceler(orch)

	// 7. Cursor Connector broker. With the connector disabled a never-
	// connected transport is installed and commands queue until shutdown.
	var tr transport.Transport
	var wsTransport *transport.Websocket
	if cfg.Connector.Enabled {
		wsTransport = transport.NewWebsocket(cfg.Connector, log)
		tr = wsTransport
	} else {
		log.Info("connector disabled")
		tr = transport.NewDisabled()
	}
	brk := broker.New(cfg.Connector, tr, svc, eventBus, log)
	svc.SetCommandCanceler(brk)
	if wsTransport != nil {
		wsTransport.Start()
	}
	brk.Start()

	// 8. Websocket gateway
	hub := gatewayws.NewHub(log)
	go hub.Run(ctx)
	gatewayws.RegisterEventBridge(ctx, eventBus, hub, log)

	// 9. Router
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORS))
	router.Use(httpmw.RequestLogger(log, "synapse-hub"))
	if cfg.Tracing.Enabled {
		router.Use(httpmw.OtelTracing("synapse-hub"))
	}

	taskhandlers.RegisterTaskRoutes(router, svc, log)
	geminihandlers.RegisterGeminiRoutes(router, orch, log)
	cursorhandlers.RegisterCursorRoutes(router, brk, cfg.RPi, cfg.Connector, log)
	gatewayws.RegisterGatewayRoutes(router, hub, brk, orch, eventBus, log)

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		components := gin.H{}

		if _, _, err := repo.ListTasks(c.Request.Context(), repository.ListTasksOptions{Limit: 1}); err != nil {
			components["store"] = "unhealthy"
			status = "degraded"
		} else {
			components["store"] = "healthy"
		}

		if eventBus.IsConnected() {
			components["event_bus"] = "healthy"
		} else {
			components["event_bus"] = "unhealthy"
			status = "degraded"
		}

		if orch.Health().Running {
			components["orchestrator"] = "healthy"
		} else {
			components["orchestrator"] = "unhealthy"
			status = "degraded"
		}

		bh := brk.Health()
		switch {
		case !cfg.Connector.Enabled:
			components["connector"] = "disabled"
		case bh.Connected && bh.HeartbeatHealthy:
			components["connector"] = "healthy"
		default:
			components["connector"] = "unhealthy"
			status = "degraded"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":     status,
			"version":    version,
			"components": components,
		})
	})

	// 10. Serve until signalled
	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening",
			zap.String("addr", cfg.Server.Addr()),
			zap.String("websocket", "/ws"),
			zap.String("api", "/api"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
	}

	// 11. Ordered teardown: stop intake, drain the broker, close the
	// connector link, stop the orchestrator and janitor. Store and bus
	// closers are deferred.
	log.Info("shutting down synapse-hub")
	cancel()
	brk.Stop()
	if wsTransport != nil {
		_ = wsTransport.Close()
	}
	orch.Stop()
	svc.StopJanitor()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	log.Info("synapse-hub stopped")
}

// corsMiddleware applies the configured CORS policy. A "*" entry in
// allowed_origins disables the origin allowlist.
func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	wildcard := false
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		origins[o] = true
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case origins[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		if methods != "" {
			c.Header("Access-Control-Allow-Methods", methods)
		}
		if headers != "" {
			c.Header("Access-Control-Allow-Headers", headers)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
