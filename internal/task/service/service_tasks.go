package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/repository"
)

// Pagination bounds for list endpoints.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// CreateTaskRequest carries the fields a caller may set on a new task.
type CreateTaskRequest struct {
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Priority          string            `json:"priority"`
	ProjectPath       string            `json:"project_path"`
	SSHHost           string            `json:"ssh_host"`
	SSHUser           string            `json:"ssh_user"`
	EstimatedDuration *int              `json:"estimated_duration"`
	MaxRetries        *int              `json:"max_retries"`
	AIContexts        models.AIContexts `json:"ai_contexts"`
	CreatedBy         string            `json:"created_by"`
}

// UpdateTaskRequest is a partial update; nil fields are left untouched.
type UpdateTaskRequest struct {
	Title             *string `json:"title"`
	Description       *string `json:"description"`
	Priority          *string `json:"priority"`
	Progress          *int    `json:"progress"`
	EstimatedDuration *int    `json:"estimated_duration"`
	ProjectPath       *string `json:"project_path"`
	SSHHost           *string `json:"ssh_host"`
	SSHUser           *string `json:"ssh_user"`
	MaxRetries        *int    `json:"max_retries"`
}

// ListTasksRequest selects and pages tasks.
type ListTasksRequest struct {
	Status         string
	Priority       string
	CurrentTurn    string
	CreatedBy      string
	Search         string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	IsRemoteSSH    *bool
	IncludeDeleted bool
	Skip           int
	Limit          int
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Tasks   []*models.Task `json:"tasks"`
	Total   int            `json:"total"`
	Skip    int            `json:"skip"`
	Limit   int            `json:"limit"`
	HasNext bool           `json:"has_next"`
	HasPrev bool           `json:"has_prev"`
}

// CreateTask validates the request and persists a new pending task.
func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*models.Task, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:          uuid.New().String(),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      models.StatusPending,
		CurrentTurn: models.TurnUser,
		Priority:    models.TaskPriority(req.Priority),
		ProjectPath: req.ProjectPath,
		SSHHost:     req.SSHHost,
		SSHUser:     req.SSHUser,
		MaxRetries:  s.cfg.RetryAttempts,
		AIContexts:  req.AIContexts.Clone(),
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}
	if task.CreatedBy == "" {
		task.CreatedBy = "system"
	}
	if req.EstimatedDuration != nil {
		d := *req.EstimatedDuration
		task.EstimatedDuration = &d
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, apperrors.Database("failed to create task", err)
	}

	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("priority", string(task.Priority)))
	s.publishTaskEvent(ctx, events.TaskCreated, task, nil)

	return task, nil
}

// GetTask returns a task by id. Soft-deleted tasks are reported as not
// found.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	if task.IsDeleted() {
		return nil, apperrors.NotFound("task", id)
	}
	return task, nil
}

// ListTasks returns one page of tasks matching the request.
func (s *Service) ListTasks(ctx context.Context, req ListTasksRequest) (*TaskPage, error) {
	if req.Status != "" && !models.TaskStatus(req.Status).Valid() {
		return nil, apperrors.Validationf("invalid status filter: %s", req.Status)
	}
	if req.Priority != "" && !models.TaskPriority(req.Priority).Valid() {
		return nil, apperrors.Validationf("invalid priority filter: %s", req.Priority)
	}
	if req.CurrentTurn != "" && !models.TaskTurn(req.CurrentTurn).Valid() {
		return nil, apperrors.Validationf("invalid current_turn filter: %s", req.CurrentTurn)
	}
	if req.Skip < 0 {
		return nil, apperrors.Validation("skip must not be negative")
	}
	if req.Limit < 0 {
		return nil, apperrors.Validation("limit must not be negative")
	}
	if req.Limit == 0 {
		req.Limit = DefaultListLimit
	}
	if req.Limit > MaxListLimit {
		req.Limit = MaxListLimit
	}

	tasks, total, err := s.repo.ListTasks(ctx, repository.ListTasksOptions{
		Status:         models.TaskStatus(req.Status),
		Priority:       models.TaskPriority(req.Priority),
		CurrentTurn:    models.TaskTurn(req.CurrentTurn),
		CreatedBy:      req.CreatedBy,
		Search:         req.Search,
		CreatedAfter:   req.CreatedAfter,
		CreatedBefore:  req.CreatedBefore,
		IsRemoteSSH:    req.IsRemoteSSH,
		IncludeDeleted: req.IncludeDeleted,
		Skip:           req.Skip,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, apperrors.Database("failed to list tasks", err)
	}

	return &TaskPage{
		Tasks:   tasks,
		Total:   total,
		Skip:    req.Skip,
		Limit:   req.Limit,
		HasNext: req.Skip+len(tasks) < total,
		HasPrev: req.Skip > 0,
	}, nil
}

// UpdateTask applies a partial update. Progress patches are rejected once
// the task is terminal; other metadata stays editable for bookkeeping.
func (s *Service) UpdateTask(ctx context.Context, id string, req *UpdateTaskRequest) (*models.Task, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, apperrors.Validation("title is required")
		}
		if len([]rune(title)) > models.TitleMaxLen {
			return nil, apperrors.Validationf("title must be at most %d characters", models.TitleMaxLen)
		}
		task.Title = title
	}
	if req.Description != nil {
		if len([]rune(*req.Description)) > models.DescriptionMaxLen {
			return nil, apperrors.Validationf("description must be at most %d characters", models.DescriptionMaxLen)
		}
		task.Description = *req.Description
	}
	if req.Priority != nil {
		p := models.TaskPriority(*req.Priority)
		if !p.Valid() {
			return nil, apperrors.Validationf("invalid priority: %s", *req.Priority)
		}
		task.Priority = p
	}
	if req.Progress != nil {
		if *req.Progress < 0 || *req.Progress > 100 {
			return nil, apperrors.Validation("progress must be between 0 and 100")
		}
		if task.Status.IsTerminal() {
			return nil, apperrors.BusinessLogic("cannot change progress of a finished task")
		}
		task.Progress = *req.Progress
	}
	if req.EstimatedDuration != nil {
		d := *req.EstimatedDuration
		if d < models.EstimatedDurationMin || d > models.EstimatedDurationMax {
			return nil, apperrors.Validationf("estimated_duration must be between %d and %d seconds",
				models.EstimatedDurationMin, models.EstimatedDurationMax)
		}
		task.EstimatedDuration = &d
	}
	if req.ProjectPath != nil {
		task.ProjectPath = *req.ProjectPath
	}
	if req.SSHHost != nil {
		task.SSHHost = *req.SSHHost
	}
	if req.SSHUser != nil {
		task.SSHUser = *req.SSHUser
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > models.MaxRetriesLimit {
			return nil, apperrors.Validationf("max_retries must be between 0 and %d", models.MaxRetriesLimit)
		}
		task.MaxRetries = *req.MaxRetries
	}
	if (task.SSHHost == "") != (task.SSHUser == "") {
		return nil, apperrors.Validation("ssh_host and ssh_user must be set together")
	}

	task.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, notFound(err, id)
	}

	s.logger.Info("task updated", zap.String("task_id", task.ID))
	s.publishTaskEvent(ctx, events.TaskUpdated, task, nil)

	return task, nil
}

// DeleteTask soft-deletes a task. Outstanding connector commands and any
// in-flight LLM send are cancelled first. Deleting an already deleted task
// is a no-op.
func (s *Service) DeleteTask(ctx context.Context, id, actor string) error {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return notFound(err, id)
	}
	if task.IsDeleted() {
		return nil
	}
	if actor == "" {
		actor = "system"
	}

	if !task.Status.IsTerminal() {
		s.cancelOutstandingWork(ctx, task.ID, "task deleted")
	}

	if err := s.repo.SoftDeleteTask(ctx, id, actor); err != nil {
		return notFound(err, id)
	}

	s.logger.Info("task deleted",
		zap.String("task_id", id),
		zap.String("deleted_by", actor))
	task.DeletedBy = actor
	now := time.Now().UTC()
	task.DeletedAt = &now
	s.publishTaskEvent(ctx, events.TaskDeleted, task, nil)

	return nil
}

func (s *Service) validateCreate(req *CreateTaskRequest) error {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return apperrors.Validation("title is required")
	}
	if len([]rune(title)) > models.TitleMaxLen {
		return apperrors.Validationf("title must be at most %d characters", models.TitleMaxLen)
	}
	if len([]rune(req.Description)) > models.DescriptionMaxLen {
		return apperrors.Validationf("description must be at most %d characters", models.DescriptionMaxLen)
	}
	if req.Priority != "" && !models.TaskPriority(req.Priority).Valid() {
		return apperrors.Validationf("invalid priority: %s", req.Priority)
	}
	if req.EstimatedDuration != nil {
		d := *req.EstimatedDuration
		if d < models.EstimatedDurationMin || d > models.EstimatedDurationMax {
			return apperrors.Validationf("estimated_duration must be between %d and %d seconds",
				models.EstimatedDurationMin, models.EstimatedDurationMax)
		}
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > models.MaxRetriesLimit {
			return apperrors.Validationf("max_retries must be between 0 and %d", models.MaxRetriesLimit)
		}
	}
	if (req.SSHHost == "") != (req.SSHUser == "") {
		return apperrors.Validation("ssh_host and ssh_user must be set together")
	}
	for agent, bag := range req.AIContexts {
		if err := validateContextBag(agent, bag); err != nil {
			return err
		}
	}
	return nil
}
