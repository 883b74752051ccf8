// Package main implements a mock Cursor Connector: a websocket server
// speaking the connector frame protocol with simulated command execution.
// It lets the hub run end to end without a real IDE, with configurable
// latency and failure behavior for exercising retries and timeouts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
)

var (
	hostFlag      = flag.String("host", "localhost", "Host to bind")
	portFlag      = flag.Int("port", 8765, "Port to listen on")
	latencyFlag   = flag.Duration("latency", 500*time.Millisecond, "Base simulated execution time per command")
	failEveryFlag = flag.Int("fail-every", 0, "Fail every Nth command (0 disables)")
	heartbeatFlag = flag.Duration("heartbeat", 5*time.Second, "Heartbeat interval")
	versionFlag   = flag.String("version", "0.9.1", "Version reported in heartbeats")
	logLevelFlag  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "Log format (console, json)")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub dials from localhost or a LAN host; a simulator has no
	// origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

func main() {
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     *logFormatFlag,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	opts := options{
		latency:   *latencyFlag,
		failEvery: *failEveryFlag,
		heartbeat: *heartbeatFlag,
		version:   *versionFlag,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", zap.Error(err))
			return
		}
		log.Info("hub connected", zap.String("remote_addr", r.RemoteAddr))
		sess := newSession(conn, opts, log)
		sess.run(ctx)
		log.Info("hub disconnected", zap.String("remote_addr", r.RemoteAddr))
	})

	addr := fmt.Sprintf("%s:%d", *hostFlag, *portFlag)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("mock connector listening",
			zap.String("addr", addr),
			zap.Duration("latency", opts.latency),
			zap.Int("fail_every", opts.failEvery))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock connector")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}
