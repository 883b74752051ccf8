package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

// publishTaskEvent publishes task events to the event bus
func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task *models.Task, oldStatus *models.TaskStatus) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":      task.ID,
		"title":        task.Title,
		"status":       string(task.Status),
		"current_turn": string(task.CurrentTurn),
		"priority":     string(task.Priority),
		"progress":     task.Progress,
		"created_by":   task.CreatedBy,
		"created_at":   task.CreatedAt.Format(time.RFC3339),
		"updated_at":   task.UpdatedAt.Format(time.RFC3339),
	}
	if task.StartedAt != nil {
		data["started_at"] = task.StartedAt.Format(time.RFC3339)
	}
	if task.CompletedAt != nil {
		data["completed_at"] = task.CompletedAt.Format(time.RFC3339)
	}
	if task.ActualDuration != nil {
		data["actual_duration"] = *task.ActualDuration
	}
	if task.LastError != "" {
		data["last_error"] = task.LastError
	}
	if task.IsRemoteSSH() {
		data["ssh_host"] = task.SSHHost
		data["ssh_user"] = task.SSHUser
	}
	if oldStatus != nil && *oldStatus != task.Status {
		data["old_status"] = string(*oldStatus)
		data["new_status"] = string(task.Status)
	}

	event := bus.NewEvent(eventType, "task-service", data)

	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// publishTerminalEvent announces that a task reached completed, failed, or
// cancelled. Consumers use it to tear down per-task resources.
func (s *Service) publishTerminalEvent(ctx context.Context, task *models.Task, reason string) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":  task.ID,
		"status":   string(task.Status),
		"progress": task.Progress,
	}
	if reason != "" {
		data["reason"] = reason
	}
	if task.CompletedAt != nil {
		data["completed_at"] = task.CompletedAt.Format(time.RFC3339)
	}
	if task.ActualDuration != nil {
		data["actual_duration"] = *task.ActualDuration
	}

	event := bus.NewEvent(events.TaskTerminated, "task-service", data)

	if err := s.eventBus.Publish(ctx, events.TaskTerminated, event); err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("event_type", events.TaskTerminated),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// publishMessageEvent announces a new message under a task.
func (s *Service) publishMessageEvent(ctx context.Context, msg *models.Message) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":    msg.TaskID,
		"message_id": msg.ID,
		"sender":     string(msg.Sender),
		"content":    msg.Content,
		"created_by": msg.CreatedBy,
		"created_at": msg.CreatedAt.Format(time.RFC3339),
	}
	if msg.RelatedFile != "" {
		data["related_file"] = msg.RelatedFile
	}

	event := bus.NewEvent(events.TaskMessage, "task-service", data)

	if err := s.eventBus.Publish(ctx, events.TaskMessage, event); err != nil {
		s.logger.Error("failed to publish message event",
			zap.String("event_type", events.TaskMessage),
			zap.String("task_id", msg.TaskID),
			zap.Error(err))
	}
}
