package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/dto"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/service"
)

func (h *TaskHandlers) createTask(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromTask(task))
}

func (h *TaskHandlers) listTasks(c *gin.Context) {
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
	createdAfter, err := timeQuery(c, "created_after")
	if err != nil {
		h.respondError(c, err)
		return
	}
	createdBefore, err := timeQuery(c, "created_before")
	if err != nil {
		h.respondError(c, err)
		return
	}
	isRemote, err := boolQuery(c, "is_remote_ssh")
	if err != nil {
		h.respondError(c, err)
		return
	}

	page, err := h.service.ListTasks(c.Request.Context(), service.ListTasksRequest{
		Status:        c.Query("status"),
		Priority:      c.Query("priority"),
		CurrentTurn:   c.Query("current_turn"),
		CreatedBy:     c.Query("created_by"),
		Search:        c.Query("search"),
		CreatedAfter:  createdAfter,
		CreatedBefore: createdBefore,
		IsRemoteSSH:   isRemote,
		Skip:          skip,
		Limit:         limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks:   dto.FromTasks(page.Tasks),
		Total:   page.Total,
		Skip:    page.Skip,
		Limit:   page.Limit,
		HasNext: page.HasNext,
		HasPrev: page.HasPrev,
	})
}

func (h *TaskHandlers) getTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if c.Query("include_messages") != "true" {
		c.JSON(http.StatusOK, dto.FromTask(task))
		return
	}

	page, err := h.service.ListTaskMessages(c.Request.Context(), task.ID, 0, 0, "asc")
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.TaskWithMessagesDTO{
		TaskDTO:  dto.FromTask(task),
		Messages: dto.FromMessages(page.Messages),
	})
}

func (h *TaskHandlers) updateTask(c *gin.Context) {
	var req service.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return
	}

	task, err := h.service.UpdateTask(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *TaskHandlers) deleteTask(c *gin.Context) {
	if err := h.service.DeleteTask(c.Request.Context(), c.Param("id"), c.Query("deleted_by")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TaskHandlers) startTask(c *gin.Context) {
	task, err := h.service.StartTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *TaskHandlers) completeTask(c *gin.Context) {
	task, err := h.service.CompleteTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *TaskHandlers) cancelTask(c *gin.Context) {
	var req dto.CancelTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
			return
		}
	}

	task, err := h.service.CancelTask(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *TaskHandlers) retryTask(c *gin.Context) {
	task, err := h.service.RetryTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}
