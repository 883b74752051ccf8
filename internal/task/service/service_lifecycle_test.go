package service

import (
	"context"
	"testing"
	"time"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

func TestService_StartTask(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()
	task := mustCreateTask(t, svc, "Pipeline run")
	eventBus.ClearEvents()

	started, err := svc.StartTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if started.Status != models.StatusProcessingCursor {
		t.Errorf("expected processing_cursor, got %s", started.Status)
	}
	if started.CurrentTurn != models.TurnCursor {
		t.Errorf("expected cursor turn, got %s", started.CurrentTurn)
	}
	if started.StartedAt == nil {
		t.Error("expected started_at to be set")
	}

	updates := eventBus.EventsOfType(events.TaskUpdated)
	if len(updates) != 1 {
		t.Fatalf("expected 1 task.updated event, got %d", len(updates))
	}
	if updates[0].Data["old_status"] != "pending" || updates[0].Data["new_status"] != "processing_cursor" {
		t.Errorf("unexpected state change payload: %v", updates[0].Data)
	}

	_, err = svc.StartTask(ctx, task.ID)
	wantCode(t, err, apperrors.CodeBusinessLogic)
}

func TestService_CompleteTask(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()
	canceler := &mockCanceler{}
	svc.SetCommandCanceler(canceler)
	svc.SetSendCanceler(canceler)

	task := mustCreateTask(t, svc, "Ship it")
	if _, err := svc.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := svc.UpdateProgress(ctx, task.ID, 60); err != nil {
		t.Fatalf("failed to set progress: %v", err)
	}
	eventBus.ClearEvents()

	done, err := svc.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if done.Progress != 100 {
		t.Errorf("expected progress forced to 100, got %d", done.Progress)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if done.ActualDuration == nil {
		t.Fatal("expected actual_duration to be set")
	}
	if *done.ActualDuration < 0 {
		t.Errorf("actual_duration must not be negative, got %d", *done.ActualDuration)
	}
	if done.StartedAt != nil && done.CompletedAt.Before(*done.StartedAt) {
		t.Error("completed_at must not precede started_at")
	}

	if len(canceler.commands) != 1 || len(canceler.sends) != 1 {
		t.Errorf("expected hooks fired once, got commands=%d sends=%d",
			len(canceler.commands), len(canceler.sends))
	}
	if got := len(eventBus.EventsOfType(events.TaskTerminated)); got != 1 {
		t.Errorf("expected 1 task.terminated event, got %d", got)
	}

	// terminal status is written exactly once
	_, err = svc.CompleteTask(ctx, task.ID)
	wantCode(t, err, apperrors.CodeBusinessLogic)
	_, err = svc.CancelTask(ctx, task.ID, "late cancel")
	wantCode(t, err, apperrors.CodeBusinessLogic)
	if got := len(eventBus.EventsOfType(events.TaskTerminated)); got != 1 {
		t.Errorf("rejected transitions must not publish, got %d terminal events", got)
	}
}

func TestService_CancelTask(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()
	task := mustCreateTask(t, svc, "Abort me")
	eventBus.ClearEvents()

	// cancel works straight from pending
	cancelled, err := svc.CancelTask(ctx, task.ID, "user changed their mind")
	if err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.LastError != "" {
		t.Errorf("cancel must not record an error, got %q", cancelled.LastError)
	}
	if cancelled.CompletedAt == nil {
		t.Error("expected completed_at on cancel")
	}
	if cancelled.ActualDuration != nil {
		t.Error("unstarted task has no actual_duration")
	}

	terminated := eventBus.EventsOfType(events.TaskTerminated)
	if len(terminated) != 1 {
		t.Fatalf("expected 1 task.terminated event, got %d", len(terminated))
	}
	if terminated[0].Data["reason"] != "user changed their mind" {
		t.Errorf("expected reason on terminal event, got %v", terminated[0].Data["reason"])
	}
}

func TestService_FailAndRetryTask(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()
	task := mustCreateTask(t, svc, "Flaky job")

	if _, err := svc.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := svc.UpdateProgress(ctx, task.ID, 75); err != nil {
		t.Fatalf("failed to set progress: %v", err)
	}

	failed, err := svc.FailTask(ctx, task.ID, "connector timed out")
	if err != nil {
		t.Fatalf("failed to fail: %v", err)
	}
	if failed.Status != models.StatusFailed {
		t.Errorf("expected failed, got %s", failed.Status)
	}
	if failed.LastError != "connector timed out" {
		t.Errorf("expected last_error recorded, got %q", failed.LastError)
	}

	retried, err := svc.RetryTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to retry: %v", err)
	}
	if retried.Status != models.StatusPending {
		t.Errorf("expected pending after retry, got %s", retried.Status)
	}
	if retried.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", retried.RetryCount)
	}
	if retried.Progress != models.RetryProgressCeiling {
		t.Errorf("expected progress clamped to %d, got %d", models.RetryProgressCeiling, retried.Progress)
	}
	if retried.StartedAt != nil || retried.CompletedAt != nil || retried.ActualDuration != nil {
		t.Error("retry must clear run timestamps")
	}

	// a retried task can run again
	if _, err := svc.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("failed to restart: %v", err)
	}
}

func TestService_RetryRules(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	// only failed tasks can be retried
	task := mustCreateTask(t, svc, "Never failed")
	_, err := svc.RetryTask(ctx, task.ID)
	wantCode(t, err, apperrors.CodeBusinessLogic)

	// zero retry budget means no retry at all
	zero := 0
	noRetry, err := svc.CreateTask(ctx, &CreateTaskRequest{Title: "One shot", MaxRetries: &zero})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if _, err := svc.StartTask(ctx, noRetry.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := svc.FailTask(ctx, noRetry.ID, "boom"); err != nil {
		t.Fatalf("failed to fail: %v", err)
	}
	_, err = svc.RetryTask(ctx, noRetry.ID)
	wantCode(t, err, apperrors.CodeBusinessLogic)
}

func TestService_RetryBudgetExhaustion(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	one := 1
	task, err := svc.CreateTask(ctx, &CreateTaskRequest{Title: "Retry once", MaxRetries: &one})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	if _, err := svc.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.FailTask(ctx, task.ID, "first failure"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := svc.RetryTask(ctx, task.ID); err != nil {
		t.Fatalf("first retry should succeed: %v", err)
	}
	if _, err := svc.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := svc.FailTask(ctx, task.ID, "second failure"); err != nil {
		t.Fatalf("fail again: %v", err)
	}

	_, err = svc.RetryTask(ctx, task.ID)
	wantCode(t, err, apperrors.CodeBusinessLogic)
}

func TestService_AdvanceTurn(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()
	task := mustCreateTask(t, svc, "Relay")

	// not before start
	_, err := svc.AdvanceTurn(ctx, task.ID, models.TurnGemini)
	wantCode(t, err, apperrors.CodeBusinessLogic)

	if _, err := svc.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventBus.ClearEvents()

	// cursor -> gemini
	got, err := svc.AdvanceTurn(ctx, task.ID, models.TurnGemini)
	if err != nil {
		t.Fatalf("advance to gemini: %v", err)
	}
	if got.Status != models.StatusProcessingGemini {
		t.Errorf("expected processing_gemini, got %s", got.Status)
	}

	// self-loop rejected
	_, err = svc.AdvanceTurn(ctx, task.ID, models.TurnGemini)
	wantCode(t, err, apperrors.CodeBusinessLogic)

	// gemini -> user waits on the gemini side
	got, err = svc.AdvanceTurn(ctx, task.ID, models.TurnUser)
	if err != nil {
		t.Fatalf("advance to user: %v", err)
	}
	if got.Status != models.StatusAwaitingUserGemini {
		t.Errorf("expected awaiting_user_gemini, got %s", got.Status)
	}

	// user -> cursor resumes IDE processing
	got, err = svc.AdvanceTurn(ctx, task.ID, models.TurnCursor)
	if err != nil {
		t.Fatalf("advance to cursor: %v", err)
	}
	if got.Status != models.StatusProcessingCursor {
		t.Errorf("expected processing_cursor, got %s", got.Status)
	}

	// cursor -> user waits on the cursor side
	got, err = svc.AdvanceTurn(ctx, task.ID, models.TurnUser)
	if err != nil {
		t.Fatalf("advance to user: %v", err)
	}
	if got.Status != models.StatusAwaitingUserCursor {
		t.Errorf("expected awaiting_user_cursor, got %s", got.Status)
	}

	// system keeps the current status
	got, err = svc.AdvanceTurn(ctx, task.ID, models.TurnSystem)
	if err != nil {
		t.Fatalf("advance to system: %v", err)
	}
	if got.Status != models.StatusAwaitingUserCursor {
		t.Errorf("system turn must keep status, got %s", got.Status)
	}
	if got.CurrentTurn != models.TurnSystem {
		t.Errorf("expected system turn, got %s", got.CurrentTurn)
	}

	// invalid turn name
	_, err = svc.AdvanceTurn(ctx, task.ID, models.TaskTurn("nobody"))
	wantCode(t, err, apperrors.CodeValidation)

	// terminal tasks hold no turns
	if _, err := svc.CompleteTask(ctx, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = svc.AdvanceTurn(ctx, task.ID, models.TurnUser)
	wantCode(t, err, apperrors.CodeBusinessLogic)
}

func TestService_UpdateProgress(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()
	task := mustCreateTask(t, svc, "Gauge")
	if _, err := svc.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	got, err := svc.UpdateProgress(ctx, task.ID, 30)
	if err != nil {
		t.Fatalf("progress 30: %v", err)
	}
	if got.Progress != 30 {
		t.Errorf("expected 30, got %d", got.Progress)
	}

	eventBus.ClearEvents()

	// lower values are ignored, not errors
	got, err = svc.UpdateProgress(ctx, task.ID, 20)
	if err != nil {
		t.Fatalf("progress 20: %v", err)
	}
	if got.Progress != 30 {
		t.Errorf("decrease must be ignored, got %d", got.Progress)
	}
	if n := len(eventBus.GetPublishedEvents()); n != 0 {
		t.Errorf("ignored update must not publish, got %d events", n)
	}

	// equal value is also a no-op
	if _, err := svc.UpdateProgress(ctx, task.ID, 30); err != nil {
		t.Fatalf("progress 30 again: %v", err)
	}

	_, err = svc.UpdateProgress(ctx, task.ID, 101)
	wantCode(t, err, apperrors.CodeValidation)
	_, err = svc.UpdateProgress(ctx, task.ID, -1)
	wantCode(t, err, apperrors.CodeValidation)
}

func TestService_ActualDurationFromStart(t *testing.T) {
	svc, _, repo := createTestService(t)
	ctx := context.Background()
	task := mustCreateTask(t, svc, "Timed")

	if _, err := svc.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// backdate started_at so the duration is measurable
	stored, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	past := time.Now().UTC().Add(-90 * time.Second)
	stored.StartedAt = &past
	if err := repo.UpdateTask(ctx, stored); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	done, err := svc.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.ActualDuration == nil {
		t.Fatal("expected actual_duration")
	}
	if *done.ActualDuration < 89 || *done.ActualDuration > 92 {
		t.Errorf("expected ~90s duration, got %d", *done.ActualDuration)
	}
}
