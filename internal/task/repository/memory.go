package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

// MemoryRepository provides in-memory task storage for tests and the
// memory:// database URL. Reads and writes exchange deep copies so callers
// never share state with the store.
type MemoryRepository struct {
	tasks    map[string]*models.Task
	messages map[string][]*models.Message
	mu       sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemory creates a new in-memory task repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		tasks:    make(map[string]*models.Task),
		messages: make(map[string][]*models.Message),
	}
}

// Close is a no-op for in-memory storage.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateTask creates a new task.
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	r.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a task by ID, soft-deleted rows included.
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// UpdateTask persists the full task.
func (r *MemoryRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	r.tasks[task.ID] = task.Clone()
	return nil
}

// SoftDeleteTask marks a live task deleted.
func (r *MemoryRepository) SoftDeleteTask(ctx context.Context, id, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok || task.IsDeleted() {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	now := time.Now().UTC()
	task.DeletedAt = &now
	task.DeletedBy = actor
	task.UpdatedAt = now
	return nil
}

// PurgeDeletedTasks removes soft-deleted tasks older than the cutoff along
// with their messages.
func (r *MemoryRepository) PurgeDeletedTasks(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for id, task := range r.tasks {
		if task.DeletedAt != nil && task.DeletedAt.Before(olderThan) {
			delete(r.tasks, id)
			delete(r.messages, id)
			purged++
		}
	}
	return purged, nil
}

// ListTasks returns a filtered page of tasks plus the total match count,
// newest first.
func (r *MemoryRepository) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*models.Task, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Task
	for _, task := range r.tasks {
		if taskMatches(task, opts) {
			matched = append(matched, task)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if opts.Limit > 0 {
		start := opts.Skip
		if start > total {
			start = total
		}
		end := start + opts.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}

	result := make([]*models.Task, 0, len(matched))
	for _, task := range matched {
		result = append(result, task.Clone())
	}
	return result, total, nil
}

func taskMatches(task *models.Task, opts ListTasksOptions) bool {
	if !opts.IncludeDeleted && task.IsDeleted() {
		return false
	}
	if opts.Status != "" && task.Status != opts.Status {
		return false
	}
	if opts.Priority != "" && task.Priority != opts.Priority {
		return false
	}
	if opts.CurrentTurn != "" && task.CurrentTurn != opts.CurrentTurn {
		return false
	}
	if opts.CreatedBy != "" && task.CreatedBy != opts.CreatedBy {
		return false
	}
	if opts.Search != "" {
		needle := strings.ToLower(opts.Search)
		if !strings.Contains(strings.ToLower(task.Title), needle) &&
			!strings.Contains(strings.ToLower(task.Description), needle) {
			return false
		}
	}
	if opts.CreatedAfter != nil && task.CreatedAt.Before(*opts.CreatedAfter) {
		return false
	}
	if opts.CreatedBefore != nil && task.CreatedAt.After(*opts.CreatedBefore) {
		return false
	}
	if opts.IsRemoteSSH != nil && task.IsRemoteSSH() != *opts.IsRemoteSSH {
		return false
	}
	return true
}

// CreateMessage appends a message to a task.
func (r *MemoryRepository) CreateMessage(ctx context.Context, message *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Sender == "" {
		message.Sender = models.SenderUser
	}

	copied := *message
	r.messages[message.TaskID] = append(r.messages[message.TaskID], &copied)
	return nil
}

// ListMessages returns a page of messages for a task ordered by creation time.
func (r *MemoryRepository) ListMessages(ctx context.Context, taskID string, opts ListMessagesOptions) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.messages[taskID]
	ordered := make([]*models.Message, len(stored))
	copy(ordered, stored)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	if strings.EqualFold(opts.Sort, "desc") {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	if opts.Limit > 0 {
		start := opts.Skip
		if start > len(ordered) {
			start = len(ordered)
		}
		end := start + opts.Limit
		if end > len(ordered) {
			end = len(ordered)
		}
		ordered = ordered[start:end]
	}

	result := make([]*models.Message, 0, len(ordered))
	for _, message := range ordered {
		copied := *message
		result = append(result, &copied)
	}
	return result, nil
}

// CountMessages returns the number of messages on a task.
func (r *MemoryRepository) CountMessages(ctx context.Context, taskID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages[taskID]), nil
}
