package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/dto"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

func (h *TaskHandlers) getAIContext(c *gin.Context) {
	taskID := c.Param("id")
	agent := c.Param("agent")

	bag, err := h.service.GetAIContext(c.Request.Context(), taskID, agent)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.AIContextResponse{
		TaskID:  taskID,
		Agent:   agent,
		Context: bag,
	})
}

func (h *TaskHandlers) updateAIContext(c *gin.Context) {
	taskID := c.Param("id")
	agent := c.Param("agent")

	var bag map[string]interface{}
	if err := c.ShouldBindJSON(&bag); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	if _, err := h.service.UpdateAIContext(c.Request.Context(), taskID, agent, bag); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.AIContextResponse{
		TaskID:  taskID,
		Agent:   agent,
		Context: bag,
	})
}

func (h *TaskHandlers) listMessages(c *gin.Context) {
	skip, err := intQuery(c, "skip", 0)
	if err != nil {
		h.respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		h.respondError(c, err)
		return
	}

	page, err := h.service.ListTaskMessages(c.Request.Context(), c.Param("id"), skip, limit, c.DefaultQuery("sort", "asc"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListMessagesResponse{
		Messages: dto.FromMessages(page.Messages),
		Total:    page.Total,
		Skip:     page.Skip,
		Limit:    page.Limit,
		HasNext:  page.HasNext,
		HasPrev:  page.HasPrev,
	})
}

func (h *TaskHandlers) createMessage(c *gin.Context) {
	var req dto.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	msg, err := h.service.AppendMessage(c.Request.Context(), c.Param("id"),
		models.MessageSender(req.Sender), req.Content, req.RelatedFile, req.CreatedBy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromMessage(msg))
}
