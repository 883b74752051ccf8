// Package handlers exposes the conversation API: blocking sends, streamed
// sends, and conversation lifecycle per task.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini/orchestrator"
)

// GeminiHandlers serves the conversation endpoints backed by the
// orchestrator.
type GeminiHandlers struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewGeminiHandlers creates the handler set.
func NewGeminiHandlers(orch *orchestrator.Orchestrator, log *logger.Logger) *GeminiHandlers {
	if log == nil {
		log = logger.Default()
	}
	return &GeminiHandlers{orch: orch, logger: log}
}

// RegisterGeminiRoutes mounts the conversation API under /api/gemini.
func RegisterGeminiRoutes(router gin.IRouter, orch *orchestrator.Orchestrator, log *logger.Logger) {
	h := NewGeminiHandlers(orch, log)

	api := router.Group("/api/gemini")
	{
		api.POST("/tasks/:id/message", h.sendMessage)
		api.POST("/tasks/:id/stream", h.streamMessage)
		api.POST("/tasks/:id/conversation", h.createConversation)
		api.GET("/tasks/:id/conversation", h.conversationSummary)
		api.DELETE("/tasks/:id/conversation", h.clearConversation)
	}
}

func (h *GeminiHandlers) respondError(c *gin.Context, err error) {
	e := apperrors.From(err)
	if e.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	apperrors.Write(c, e)
}

type sendMessageRequest struct {
	Message  string                 `json:"message"`
	Role     string                 `json:"role"`
	Metadata map[string]interface{} `json:"metadata"`
}

type createConversationRequest struct {
	SystemPrompt string `json:"system_prompt"`
}

// streamFrame is one data frame of the streamed response body.
type streamFrame struct {
	Type   string `json:"type"` // chunk, end, or error
	Text   string `json:"text,omitempty"`
	Length int    `json:"length,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *GeminiHandlers) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	result, err := h.orch.Send(c.Request.Context(), c.Param("id"), req.Message, req.Role, req.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// streamMessage relays a streamed generation as text/event-stream data
// frames: chunk frames, then one end frame, or an error frame if the stream
// breaks.
func (h *GeminiHandlers) streamMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	ch, err := h.orch.Stream(c.Request.Context(), c.Param("id"), req.Message, req.Role, req.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	failed := false
	length := 0
	for chunk := range ch {
		if chunk.Err != nil {
			failed = true
			h.writeFrame(c, streamFrame{Type: "error", Error: apperrors.From(chunk.Err).Message})
			continue
		}
		length += len(chunk.Text)
		h.writeFrame(c, streamFrame{Type: "chunk", Text: chunk.Text})
	}
	if !failed {
		h.writeFrame(c, streamFrame{Type: "end", Length: length})
	}
}

func (h *GeminiHandlers) writeFrame(c *gin.Context, frame streamFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if _, err := c.Writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
		return
	}
	c.Writer.Flush()
}

func (h *GeminiHandlers) createConversation(c *gin.Context) {
	var req createConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
			return
		}
	}

	summary, err := h.orch.CreateConversation(c.Request.Context(), c.Param("id"), req.SystemPrompt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

func (h *GeminiHandlers) conversationSummary(c *gin.Context) {
	summary, err := h.orch.Summary(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *GeminiHandlers) clearConversation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"task_id": c.Param("id"),
		"cleared": h.orch.Clear(c.Param("id")),
	})
}
