package websocket

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/broker"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini/orchestrator"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin rejects cross-site websocket upgrades. Loopback origins are
// always allowed; everything else must match the request host.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser client.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	reqHost := r.Host
	if h, _, err := net.SplitHostPort(reqHost); err == nil {
		reqHost = h
	}
	return host != "" && strings.EqualFold(host, reqHost)
}

// CommandBroker is the slice of the command broker the command channel
// drives.
type CommandBroker interface {
	Enqueue(ctx context.Context, req broker.EnqueueRequest) (*broker.EnqueueResult, error)
	GetCommand(id string) (*broker.Command, error)
	Health() broker.Health
}

// ConversationSender is the slice of the LLM orchestrator the conversation
// channel drives.
type ConversationSender interface {
	Send(ctx context.Context, taskID, message, role string, metadata map[string]interface{}) (*orchestrator.SendResult, error)
	Stream(ctx context.Context, taskID, message, role string, metadata map[string]interface{}) (<-chan gemini.Chunk, error)
}

// GatewayHandler serves the websocket routes.
type GatewayHandler struct {
	hub      *Hub
	broker   CommandBroker
	conv     ConversationSender
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewGatewayHandler creates the handler set.
func NewGatewayHandler(hub *Hub, b CommandBroker, conv ConversationSender, eventBus bus.EventBus, log *logger.Logger) *GatewayHandler {
	if log == nil {
		log = logger.Default()
	}
	return &GatewayHandler{
		hub:      hub,
		broker:   b,
		conv:     conv,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// RegisterGatewayRoutes mounts the websocket endpoints.
func RegisterGatewayRoutes(router gin.IRouter, hub *Hub, b CommandBroker, conv ConversationSender, eventBus bus.EventBus, log *logger.Logger) *GatewayHandler {
	h := NewGatewayHandler(hub, b, conv, eventBus, log)
	router.GET("/ws", h.handleSubscriber)
	router.GET("/ws/cursor", h.handleCursorChannel)
	router.GET("/ws/gemini/:task_id", h.handleGeminiChannel)
	return h
}

// handleSubscriber upgrades a subscriber socket and runs its pumps.
func (h *GatewayHandler) handleSubscriber(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.logger.Debug("subscriber connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}

// handleCursorChannel upgrades a command channel socket.
func (h *GatewayHandler) handleCursorChannel(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := newCursorChannel(conn, h.broker, h.eventBus, h.logger)
	ch.run(c.Request.Context())
}

// handleGeminiChannel upgrades a conversation channel socket bound to one
// task.
func (h *GatewayHandler) handleGeminiChannel(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := newGeminiChannel(conn, c.Param("task_id"), h.conv, h.logger)
	ch.run(c.Request.Context())
}
