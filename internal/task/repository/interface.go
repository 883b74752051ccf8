package repository

import (
	"context"
	"errors"
	"time"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

// ErrTaskNotFound is wrapped by lookups for missing or mismatched IDs so
// callers can map it to a 404 without string matching.
var ErrTaskNotFound = errors.New("task not found")

// ListTasksOptions filters and pages a task listing. Zero values mean
// "no constraint".
type ListTasksOptions struct {
	Status         models.TaskStatus
	Priority       models.TaskPriority
	CurrentTurn    models.TaskTurn
	CreatedBy      string
	Search         string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	IsRemoteSSH    *bool
	IncludeDeleted bool
	Skip           int
	Limit          int
}

// ListMessagesOptions pages a message listing. Sort is "asc" or "desc";
// empty means ascending.
type ListMessagesOptions struct {
	Skip  int
	Limit int
	Sort  string
}

// Repository defines the interface for task storage operations.
type Repository interface {
	// Task operations. GetTask returns soft-deleted rows too; callers
	// decide visibility.
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	SoftDeleteTask(ctx context.Context, id, actor string) error
	PurgeDeletedTasks(ctx context.Context, olderThan time.Time) (int64, error)
	ListTasks(ctx context.Context, opts ListTasksOptions) ([]*models.Task, int, error)

	// Message operations. Messages are append-only and cascade-deleted
	// with their task.
	CreateMessage(ctx context.Context, message *models.Message) error
	ListMessages(ctx context.Context, taskID string, opts ListMessagesOptions) ([]*models.Message, error)
	CountMessages(ctx context.Context, taskID string) (int, error)

	// Close closes the repository (for database connections).
	Close() error
}
