package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

// StartTask moves a pending task into processing_cursor and stamps
// started_at. Only pending tasks can be started.
func (s *Service) StartTask(ctx context.Context, id string) (*models.Task, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusPending {
		return nil, apperrors.BusinessLogicf("cannot start task in status %s", task.Status)
	}

	old := task.Status
	now := time.Now().UTC()
	task.Status = models.StatusProcessingCursor
	task.CurrentTurn = models.TurnCursor
	task.StartedAt = &now
	task.UpdatedAt = now

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, notFound(err, id)
	}

	s.logger.Info("task started", zap.String("task_id", id))
	s.publishTaskEvent(ctx, events.TaskUpdated, task, &old)

	return task, nil
}

// CompleteTask moves a non-terminal task to completed, forcing progress to
// 100 and recording the actual duration.
func (s *Service) CompleteTask(ctx context.Context, id string) (*models.Task, error) {
	return s.finishTask(ctx, id, models.StatusCompleted, "")
}

// CancelTask moves a non-terminal task to cancelled. The reason, if any,
// is carried on the terminal event but not stored as an error.
func (s *Service) CancelTask(ctx context.Context, id, reason string) (*models.Task, error) {
	return s.finishTask(ctx, id, models.StatusCancelled, reason)
}

// FailTask moves a non-terminal task to failed and records the reason as
// last_error. Used by handlers, the broker, the orchestrator, and the
// janitor.
func (s *Service) FailTask(ctx context.Context, id, reason string) (*models.Task, error) {
	return s.finishTask(ctx, id, models.StatusFailed, reason)
}

// finishTask performs a terminal transition: exactly one such write
// succeeds per task, later attempts fail with a business logic error.
func (s *Service) finishTask(ctx context.Context, id string, to models.TaskStatus, reason string) (*models.Task, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, apperrors.BusinessLogicf("task already finished with status %s", task.Status)
	}

	old := task.Status
	now := time.Now().UTC()
	task.Status = to
	task.CompletedAt = &now
	task.UpdatedAt = now
	if to == models.StatusCompleted {
		task.Progress = 100
	}
	if to == models.StatusFailed && reason != "" {
		task.LastError = reason
	}
	if task.StartedAt != nil {
		d := int(now.Sub(*task.StartedAt).Seconds())
		if d < 0 {
			d = 0
		}
		task.ActualDuration = &d
	}

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, notFound(err, id)
	}

	s.cancelOutstandingWork(ctx, task.ID, "task "+string(to))

	s.logger.Info("task finished",
		zap.String("task_id", id),
		zap.String("status", string(to)),
		zap.String("reason", reason))
	s.publishTaskEvent(ctx, events.TaskUpdated, task, &old)
	s.publishTerminalEvent(ctx, task, reason)

	return task, nil
}

// RetryTask reopens a failed task as pending, consuming one retry from its
// budget. Progress is clamped so a rerun does not report stale progress.
func (s *Service) RetryTask(ctx context.Context, id string) (*models.Task, error) {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusFailed {
		return nil, apperrors.BusinessLogicf("cannot retry task in status %s", task.Status)
	}
	if task.RetryCount >= task.MaxRetries {
		return nil, apperrors.BusinessLogicf("retry budget exhausted (%d of %d)", task.RetryCount, task.MaxRetries).
			WithDetail("retry_count", task.RetryCount).
			WithDetail("max_retries", task.MaxRetries)
	}

	old := task.Status
	task.Status = models.StatusPending
	task.CurrentTurn = models.TurnUser
	task.RetryCount++
	if task.Progress > models.RetryProgressCeiling {
		task.Progress = models.RetryProgressCeiling
	}
	task.StartedAt = nil
	task.CompletedAt = nil
	task.ActualDuration = nil
	task.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, notFound(err, id)
	}

	s.logger.Info("task retried",
		zap.String("task_id", id),
		zap.Int("retry_count", task.RetryCount))
	s.publishTaskEvent(ctx, events.TaskUpdated, task, &old)

	return task, nil
}

// AdvanceTurn hands the task to the next actor and recomputes the status
// from the turn table. Handing the turn to its current holder is rejected.
func (s *Service) AdvanceTurn(ctx context.Context, id string, next models.TaskTurn) (*models.Task, error) {
	if !next.Valid() {
		return nil, apperrors.Validationf("invalid turn: %s", next)
	}

	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, apperrors.BusinessLogicf("cannot advance turn of task in status %s", task.Status)
	}
	if task.Status == models.StatusPending {
		return nil, apperrors.BusinessLogic("task has not been started")
	}
	if next == task.CurrentTurn {
		return nil, apperrors.BusinessLogicf("turn is already held by %s", next)
	}

	newStatus := models.StatusForTurn(next, task.CurrentTurn, task.Status)
	if newStatus != task.Status && !models.CanTransition(task.Status, newStatus) {
		return nil, apperrors.BusinessLogicf("cannot move from %s to %s", task.Status, newStatus)
	}

	old := task.Status
	task.CurrentTurn = next
	task.Status = newStatus
	task.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, notFound(err, id)
	}

	s.logger.Debug("turn advanced",
		zap.String("task_id", id),
		zap.String("turn", string(next)),
		zap.String("status", string(newStatus)))
	s.publishTaskEvent(ctx, events.TaskUpdated, task, &old)

	return task, nil
}

// UpdateProgress raises the task's progress. Decreases are ignored so
// concurrent agents reporting out of order cannot rewind the bar; explicit
// rewinds go through UpdateTask.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress int) (*models.Task, error) {
	if progress < 0 || progress > 100 {
		return nil, apperrors.Validation("progress must be between 0 and 100")
	}

	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, apperrors.BusinessLogic("cannot change progress of a finished task")
	}
	if progress <= task.Progress {
		return task, nil
	}

	task.Progress = progress
	task.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, notFound(err, id)
	}

	s.publishTaskEvent(ctx, events.TaskUpdated, task, nil)

	return task, nil
}

// cancelOutstandingWork stops connector commands and any in-flight LLM send
// for a task that is leaving the active states.
func (s *Service) cancelOutstandingWork(ctx context.Context, taskID, reason string) {
	if s.commandCanceler != nil {
		if n := s.commandCanceler.CancelTaskCommands(ctx, taskID, reason); n > 0 {
			s.logger.Info("cancelled connector commands",
				zap.String("task_id", taskID),
				zap.Int("count", n))
		}
	}
	if s.sendCanceler != nil {
		if s.sendCanceler.CancelSend(taskID) {
			s.logger.Info("cancelled in-flight llm send", zap.String("task_id", taskID))
		}
	}
}
