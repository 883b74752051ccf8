// Package handlers exposes the connector command API: queueing IDE commands
// against tasks, command status and cancellation, the SSH context registry,
// and connector link status.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/broker"
)

// CursorHandlers serves the /api/cursor surface.
type CursorHandlers struct {
	broker    *broker.Broker
	rpi       config.RPiConfig
	connector config.ConnectorConfig
	logger    *logger.Logger
}

// NewCursorHandlers creates the handler set. The rpi and connector sections
// are echoed in status output.
func NewCursorHandlers(b *broker.Broker, rpi config.RPiConfig, connector config.ConnectorConfig, log *logger.Logger) *CursorHandlers {
	if log == nil {
		log = logger.Default()
	}
	return &CursorHandlers{broker: b, rpi: rpi, connector: connector, logger: log}
}

// RegisterCursorRoutes mounts the connector endpoints under /api/cursor.
func RegisterCursorRoutes(router gin.IRouter, b *broker.Broker, rpi config.RPiConfig, connector config.ConnectorConfig, log *logger.Logger) {
	h := NewCursorHandlers(b, rpi, connector, log)

	api := router.Group("/api/cursor")
	{
		api.POST("/tasks/:id/command", h.queueCommand)
		api.GET("/commands/:command_id/status", h.commandStatus)
		api.DELETE("/commands/:command_id", h.cancelCommand)

		api.POST("/ssh-contexts", h.createSSHContext)
		api.GET("/ssh-contexts", h.listSSHContexts)
		api.GET("/ssh-contexts/:id", h.getSSHContext)
		api.PUT("/ssh-contexts/:id", h.updateSSHContext)
		api.DELETE("/ssh-contexts/:id", h.deleteSSHContext)
		api.POST("/ssh-contexts/:id/verify", h.verifySSHContext)

		api.GET("/status", h.status)
		api.GET("/health", h.health)
	}
}

func (h *CursorHandlers) respondError(c *gin.Context, err error) {
	e := apperrors.From(err)
	if e.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	apperrors.Write(c, e)
}

type queueCommandRequest struct {
	CommandType    string                 `json:"command_type"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata"`
	SSHContextID   string                 `json:"ssh_context_id"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
}

type queueCommandResponse struct {
	CommandID      string `json:"command_id"`
	Status         string `json:"status"`
	QueuePosition  int    `json:"queue_position"`
	SSHContextUsed bool   `json:"ssh_context_used"`
}

func (h *CursorHandlers) queueCommand(c *gin.Context) {
	var req queueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	res, err := h.broker.Enqueue(c.Request.Context(), broker.EnqueueRequest{
		TaskID:         c.Param("id"),
		Type:           broker.CommandType(req.CommandType),
		Content:        req.Content,
		Metadata:       req.Metadata,
		SSHContextID:   req.SSHContextID,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, queueCommandResponse{
		CommandID:      res.Command.ID,
		Status:         string(res.Command.Status),
		QueuePosition:  res.QueuePosition,
		SSHContextUsed: res.Command.SSHContextID != "",
	})
}

// commandStatusResponse is the command snapshot plus its queue position
// while it is still waiting.
type commandStatusResponse struct {
	*broker.Command
	QueuePosition int `json:"queue_position,omitempty"`
}

func (h *CursorHandlers) commandStatus(c *gin.Context) {
	id := c.Param("command_id")
	cmd, err := h.broker.GetCommand(id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := commandStatusResponse{Command: cmd}
	if cmd.Status == broker.StatusQueued {
		resp.QueuePosition = h.broker.QueuePosition(id)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CursorHandlers) cancelCommand(c *gin.Context) {
	cmd, err := h.broker.Cancel(c.Request.Context(), c.Param("command_id"), c.Query("reason"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (h *CursorHandlers) createSSHContext(c *gin.Context) {
	var req broker.CreateSSHContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	ctx, err := h.broker.CreateSSHContext(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ctx)
}

func (h *CursorHandlers) listSSHContexts(c *gin.Context) {
	contexts := h.broker.ListSSHContexts()
	c.JSON(http.StatusOK, gin.H{
		"contexts": contexts,
		"total":    len(contexts),
	})
}

func (h *CursorHandlers) getSSHContext(c *gin.Context) {
	ctx, err := h.broker.GetSSHContext(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctx)
}

func (h *CursorHandlers) updateSSHContext(c *gin.Context) {
	var req broker.UpdateSSHContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	ctx, err := h.broker.UpdateSSHContext(c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctx)
}

func (h *CursorHandlers) deleteSSHContext(c *gin.Context) {
	if err := h.broker.DeleteSSHContext(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CursorHandlers) verifySSHContext(c *gin.Context) {
	ctx, err := h.broker.VerifySSHContext(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctx)
}

// status reports the connector link and queue for UI consumption, including
// the hub's advertised endpoint.
func (h *CursorHandlers) status(c *gin.Context) {
	health := h.broker.Health()

	c.JSON(http.StatusOK, gin.H{
		"hub": gin.H{
			"base_url": h.rpi.BaseURL(),
		},
		"connector": gin.H{
			"enabled":           h.connector.Enabled,
			"websocket_url":     h.connector.WebsocketURL(),
			"connected":         health.Connected,
			"heartbeat_healthy": health.HeartbeatHealthy,
			"last_heartbeat":    health.LastHeartbeat,
			"status":            health.ConnectorStatus,
			"version":           health.ConnectorVersion,
		},
		"queue": gin.H{
			"size":     health.QueueSize,
			"active":   health.ActiveCommands,
			"retained": health.RetainedCommands,
			"expired":  health.ExpiredCommands,
			"max_size": h.connector.QueueMaxSize,
		},
		"ssh": gin.H{
			"enabled":  health.SSHEnabled,
			"contexts": health.SSHContexts,
		},
	})
}

// health is the connector health probe: degraded while the link is down or
// heartbeats are stale, with the effective configuration echoed.
func (h *CursorHandlers) health(c *gin.Context) {
	health := h.broker.Health()

	status := "healthy"
	if !health.Connected || !health.HeartbeatHealthy {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"health": health,
		"configuration": gin.H{
			"enabled":            h.connector.Enabled,
			"host":               h.connector.Host,
			"port":               h.connector.Port,
			"connect_timeout":    h.connector.ConnectTimeout,
			"command_timeout":    h.connector.CommandTimeout,
			"max_retries":        h.connector.MaxRetries,
			"heartbeat_interval": h.connector.HeartbeatInterval,
			"queue_max_size":     h.connector.QueueMaxSize,
			"ssh_enabled":        h.connector.SSHEnabled,
			"retention_window":   h.connector.RetentionWindow,
			"hub_base_url":       h.rpi.BaseURL(),
		},
	})
}
