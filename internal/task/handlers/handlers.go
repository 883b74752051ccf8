// Package handlers exposes the task API over HTTP.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/service"
)

// TaskHandlers serves the /api/tasks surface.
type TaskHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

// NewTaskHandlers creates the handler set.
func NewTaskHandlers(svc *service.Service, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{service: svc, logger: log}
}

// RegisterTaskRoutes mounts the task endpoints on the router.
func RegisterTaskRoutes(router gin.IRouter, svc *service.Service, log *logger.Logger) {
	h := NewTaskHandlers(svc, log)

	api := router.Group("/api")
	api.POST("/tasks", h.createTask)
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.PUT("/tasks/:id", h.updateTask)
	api.DELETE("/tasks/:id", h.deleteTask)

	api.POST("/tasks/:id/start", h.startTask)
	api.POST("/tasks/:id/complete", h.completeTask)
	api.POST("/tasks/:id/cancel", h.cancelTask)
	api.POST("/tasks/:id/retry", h.retryTask)

	api.GET("/tasks/:id/ai-context/:agent", h.getAIContext)
	api.PUT("/tasks/:id/ai-context/:agent", h.updateAIContext)

	api.GET("/tasks/:id/messages", h.listMessages)
	api.POST("/tasks/:id/messages", h.createMessage)
}

// respondError logs server-side failures and renders the error shape.
func (h *TaskHandlers) respondError(c *gin.Context, err error) {
	e := apperrors.From(err)
	if e.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	apperrors.Write(c, e)
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validationf("%s must be an integer", name)
	}
	return v, nil
}

func boolQuery(c *gin.Context, name string) (*bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperrors.Validationf("%s must be a boolean", name)
	}
	return &v, nil
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.Validationf("%s must be an RFC3339 timestamp", name)
	}
	return &t, nil
}
