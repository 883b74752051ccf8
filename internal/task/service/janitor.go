package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/repository"
)

// Soft-deleted tasks are purged after this long.
const purgeRetention = 7 * 24 * time.Hour

const overdueReason = "exceeded maximum task duration"

// StartJanitor launches the background loop that fails overdue tasks and
// purges old soft-deleted rows. Starting twice is a no-op.
func (s *Service) StartJanitor(ctx context.Context) {
	s.janitorMu.Lock()
	defer s.janitorMu.Unlock()
	if s.janitorStop != nil {
		return
	}
	s.janitorStop = make(chan struct{})

	s.janitorWG.Add(1)
	go s.janitorLoop(ctx, s.janitorStop)

	s.logger.Info("task janitor started",
		zap.Duration("interval", s.cfg.CleanupIntervalDuration()),
		zap.Duration("max_duration", s.cfg.MaxDurationDuration()))
}

// StopJanitor stops the background loop and waits for the current pass to
// finish. Stopping a stopped janitor is a no-op.
func (s *Service) StopJanitor() {
	s.janitorMu.Lock()
	if s.janitorStop == nil {
		s.janitorMu.Unlock()
		return
	}
	close(s.janitorStop)
	s.janitorStop = nil
	s.janitorMu.Unlock()

	s.janitorWG.Wait()
	s.logger.Info("task janitor stopped")
}

func (s *Service) janitorLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.janitorWG.Done()

	ticker := time.NewTicker(s.cfg.CleanupIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.runJanitorPass(ctx)
		}
	}
}

// runJanitorPass performs one sweep. Errors are logged and never stop the
// loop.
func (s *Service) runJanitorPass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	s.failOverdueTasks(passCtx)
	s.purgeDeletedTasks(passCtx)
}

// failOverdueTasks fails active tasks whose runtime exceeded
// task.max_duration.
func (s *Service) failOverdueTasks(ctx context.Context) {
	maxDuration := s.cfg.MaxDurationDuration()
	if maxDuration <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-maxDuration)

	actives := []models.TaskStatus{
		models.StatusProcessingCursor,
		models.StatusAwaitingUserGemini,
		models.StatusProcessingGemini,
		models.StatusAwaitingUserCursor,
	}
	for _, status := range actives {
		tasks, _, err := s.repo.ListTasks(ctx, repository.ListTasksOptions{Status: status})
		if err != nil {
			s.logger.Error("janitor: failed to list tasks",
				zap.String("status", string(status)),
				zap.Error(err))
			continue
		}
		for _, task := range tasks {
			if task.StartedAt == nil || !task.StartedAt.Before(cutoff) {
				continue
			}
			if _, err := s.FailTask(ctx, task.ID, overdueReason); err != nil {
				s.logger.Warn("janitor: failed to fail overdue task",
					zap.String("task_id", task.ID),
					zap.Error(err))
				continue
			}
			s.logger.Info("janitor: failed overdue task",
				zap.String("task_id", task.ID),
				zap.Time("started_at", *task.StartedAt))
		}
	}
}

// purgeDeletedTasks removes soft-deleted rows past the retention window.
func (s *Service) purgeDeletedTasks(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-purgeRetention)
	n, err := s.repo.PurgeDeletedTasks(ctx, cutoff)
	if err != nil {
		s.logger.Error("janitor: failed to purge deleted tasks", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("janitor: purged deleted tasks", zap.Int64("count", n))
	}
}
