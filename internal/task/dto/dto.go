// Package dto defines the JSON shapes the task API returns. Converters keep
// internal bookkeeping fields (soft-delete markers) off the wire.
package dto

import (
	"time"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

type TaskDTO struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Status            string            `json:"status"`
	CurrentTurn       string            `json:"current_turn"`
	Priority          string            `json:"priority"`
	Progress          int               `json:"progress"`
	ProjectPath       string            `json:"project_path,omitempty"`
	SSHHost           string            `json:"ssh_host,omitempty"`
	SSHUser           string            `json:"ssh_user,omitempty"`
	IsRemoteSSH       bool              `json:"is_remote_ssh"`
	EstimatedDuration *int              `json:"estimated_duration,omitempty"`
	ActualDuration    *int              `json:"actual_duration,omitempty"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
	LastError         string            `json:"last_error,omitempty"`
	AIContexts        models.AIContexts `json:"ai_contexts,omitempty"`
	CreatedBy         string            `json:"created_by"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

type MessageDTO struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	RelatedFile string    `json:"related_file,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskWithMessagesDTO is the GET /tasks/:id shape when the caller asks for
// the conversation inline.
type TaskWithMessagesDTO struct {
	TaskDTO
	Messages []MessageDTO `json:"messages"`
}

type ListTasksResponse struct {
	Tasks   []TaskDTO `json:"tasks"`
	Total   int       `json:"total"`
	Skip    int       `json:"skip"`
	Limit   int       `json:"limit"`
	HasNext bool      `json:"has_next"`
	HasPrev bool      `json:"has_prev"`
}

type ListMessagesResponse struct {
	Messages []MessageDTO `json:"messages"`
	Total    int          `json:"total"`
	Skip     int          `json:"skip"`
	Limit    int          `json:"limit"`
	HasNext  bool         `json:"has_next"`
	HasPrev  bool         `json:"has_prev"`
}

type AIContextResponse struct {
	TaskID  string                 `json:"task_id"`
	Agent   string                 `json:"agent"`
	Context map[string]interface{} `json:"context"`
}

func FromTask(task *models.Task) TaskDTO {
	return TaskDTO{
		ID:                task.ID,
		Title:             task.Title,
		Description:       task.Description,
		Status:            string(task.Status),
		CurrentTurn:       string(task.CurrentTurn),
		Priority:          string(task.Priority),
		Progress:          task.Progress,
		ProjectPath:       task.ProjectPath,
		SSHHost:           task.SSHHost,
		SSHUser:           task.SSHUser,
		IsRemoteSSH:       task.IsRemoteSSH(),
		EstimatedDuration: task.EstimatedDuration,
		ActualDuration:    task.ActualDuration,
		RetryCount:        task.RetryCount,
		MaxRetries:        task.MaxRetries,
		LastError:         task.LastError,
		AIContexts:        task.AIContexts,
		CreatedBy:         task.CreatedBy,
		CreatedAt:         task.CreatedAt,
		UpdatedAt:         task.UpdatedAt,
		StartedAt:         task.StartedAt,
		CompletedAt:       task.CompletedAt,
	}
}

func FromTasks(tasks []*models.Task) []TaskDTO {
	out := make([]TaskDTO, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, FromTask(task))
	}
	return out
}

func FromMessage(msg *models.Message) MessageDTO {
	return MessageDTO{
		ID:          msg.ID,
		TaskID:      msg.TaskID,
		Sender:      string(msg.Sender),
		Content:     msg.Content,
		RelatedFile: msg.RelatedFile,
		CreatedBy:   msg.CreatedBy,
		CreatedAt:   msg.CreatedAt,
	}
}

func FromMessages(msgs []*models.Message) []MessageDTO {
	out := make([]MessageDTO, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, FromMessage(msg))
	}
	return out
}
