package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/db"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/db/dialect"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

func createTestSQLRepo(t *testing.T) *SQLRepository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	readerConn, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite reader: %v", err)
	}
	pool := db.NewPool(sqlx.NewDb(writerConn, dialect.SQLite3), sqlx.NewDb(readerConn, dialect.SQLite3))

	repo, err := NewSQL(pool)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close repo: %v", err)
		}
	})
	return repo
}

func TestSQLRepository_CreateAndGetTask(t *testing.T) {
	repo := createTestSQLRepo(t)
	ctx := context.Background()

	est := 1200
	task := &models.Task{
		Title:             "Wire up login endpoint",
		Description:       "POST /login with session cookie",
		Status:            models.StatusPending,
		CurrentTurn:       models.TurnUser,
		Priority:          models.PriorityHigh,
		MaxRetries:        3,
		EstimatedDuration: &est,
		ProjectPath:       "/home/dev/webapp",
		SSHHost:           "build-box",
		SSHUser:           "deploy",
		CreatedBy:         "alice",
		AIContexts: models.AIContexts{
			"gemini": {"model": "gemini-2.0-flash"},
		},
	}

	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected generated task ID")
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}

	got, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Title != task.Title || got.Description != task.Description {
		t.Errorf("title/description mismatch: %+v", got)
	}
	if got.Status != models.StatusPending || got.CurrentTurn != models.TurnUser {
		t.Errorf("status/turn mismatch: %s %s", got.Status, got.CurrentTurn)
	}
	if got.Priority != models.PriorityHigh || got.MaxRetries != 3 {
		t.Errorf("priority/retries mismatch: %s %d", got.Priority, got.MaxRetries)
	}
	if got.EstimatedDuration == nil || *got.EstimatedDuration != 1200 {
		t.Errorf("estimated duration mismatch: %v", got.EstimatedDuration)
	}
	if got.ActualDuration != nil || got.StartedAt != nil || got.CompletedAt != nil || got.DeletedAt != nil {
		t.Errorf("expected unset optional fields: %+v", got)
	}
	if !got.IsRemoteSSH() {
		t.Error("expected remote ssh task")
	}
	if got.AIContexts["gemini"]["model"] != "gemini-2.0-flash" {
		t.Errorf("ai contexts mismatch: %+v", got.AIContexts)
	}
}

func TestSQLRepository_UpdateTask(t *testing.T) {
	repo := createTestSQLRepo(t)
	ctx := context.Background()

	task := &models.Task{Title: "Initial", Status: models.StatusPending, CurrentTurn: models.TurnUser, Priority: models.PriorityNormal}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	task.Status = models.StatusProcessingCursor
	task.CurrentTurn = models.TurnCursor
	task.Progress = 25
	task.StartedAt = &started
	task.LastError = ""
	task.AIContexts = models.AIContexts{"cursor": {"open_file": "main.go"}}

	if err := repo.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}

	got, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != models.StatusProcessingCursor || got.Progress != 25 {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at mismatch: %v", got.StartedAt)
	}
	if got.AIContexts["cursor"]["open_file"] != "main.go" {
		t.Errorf("ai contexts mismatch: %+v", got.AIContexts)
	}

	missing := &models.Task{ID: "no-such-task", Title: "x", Status: models.StatusPending, CurrentTurn: models.TurnUser, Priority: models.PriorityNormal}
	err = repo.UpdateTask(ctx, missing)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSQLRepository_GetTaskNotFound(t *testing.T) {
	repo := createTestSQLRepo(t)

	_, err := repo.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSQLRepository_SoftDelete(t *testing.T) {
	repo := createTestSQLRepo(t)
	ctx := context.Background()

	task := &models.Task{Title: "Disposable", Status: models.StatusPending, CurrentTurn: models.TurnUser, Priority: models.PriorityNormal}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if err := repo.SoftDeleteTask(ctx, task.ID, "admin"); err != nil {
		t.Fatalf("failed to soft delete: %v", err)
	}

	// row survives for direct lookups
	got, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get soft-deleted task: %v", err)
	}
	if !got.IsDeleted() || got.DeletedBy != "admin" {
		t.Errorf("expected deletion markers: %+v", got)
	}

	// hidden from the default listing
	tasks, total, err := repo.ListTasks(ctx, ListTasksOptions{})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if total != 0 || len(tasks) != 0 {
		t.Errorf("expected empty listing, got %d/%d", len(tasks), total)
	}

	// visible when asked for
	_, total, err = repo.ListTasks(ctx, ListTasksOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("failed to list with deleted: %v", err)
	}
	if total != 1 {
		t.Errorf("expected 1 task with include_deleted, got %d", total)
	}

	// double delete reports not found
	err = repo.SoftDeleteTask(ctx, task.ID, "admin")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound on second delete, got %v", err)
	}
}

func TestSQLRepository_PurgeDeletedTasks(t *testing.T) {
	repo := createTestSQLRepo(t)
	ctx := context.Background()

	task := &models.Task{Title: "Old junk", Status: models.StatusPending, CurrentTurn: models.TurnUser, Priority: models.PriorityNormal}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if err := repo.CreateMessage(ctx, &models.Message{TaskID: task.ID, Sender: models.SenderUser, Content: "hello"}); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}
	keeper := &models.Task{Title: "Still live", Status: models.StatusPending, CurrentTurn: models.TurnUser, Priority: models.PriorityNormal}
	if err := repo.CreateTask(ctx, keeper); err != nil {
		t.Fatalf("failed to create keeper: %v", err)
	}

	if err := repo.SoftDeleteTask(ctx, task.ID, "janitor"); err != nil {
		t.Fatalf("failed to soft delete: %v", err)
	}

	// cutoff before the deletion keeps the row
	purged, err := repo.PurgeDeletedTasks(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if purged != 0 {
		t.Errorf("expected no rows purged, got %d", purged)
	}

	// cutoff after the deletion removes task and cascades messages
	purged, err = repo.PurgeDeletedTasks(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 row purged, got %d", purged)
	}

	if _, err := repo.GetTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected purged task to be gone, got %v", err)
	}
	if _, err := repo.GetTask(ctx, keeper.ID); err != nil {
		t.Errorf("expected keeper to survive, got %v", err)
	}
	count, err := repo.CountMessages(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to count messages: %v", err)
	}
	if count != 0 {
		t.Errorf("expected cascade to remove messages, got %d", count)
	}
}

func TestSQLRepository_ListTasksFilters(t *testing.T) {
	repo := createTestSQLRepo(t)
	ctx := context.Background()

	seed := []*models.Task{
		{Title: "Fix parser crash", Description: "stack trace in lexer", Status: models.StatusPending, CurrentTurn: models.TurnUser, Priority: models.PriorityHigh, CreatedBy: "alice"},
		{Title: "Refactor auth", Status: models.StatusProcessingGemini, CurrentTurn: models.TurnGemini, Priority: models.PriorityNormal, CreatedBy: "bob", SSHHost: "devbox", SSHUser: "bob"},
		{Title: "Tune cache TTL", Description: "parser gets stale entries", Status: models.StatusCompleted, CurrentTurn: models.TurnSystem, Priority: models.PriorityLow, CreatedBy: "alice"},
	}
	for _, task := range seed {
		if err := repo.CreateTask(ctx, task); err != nil {
			t.Fatalf("failed to seed task: %v", err)
		}
	}

	tasks, total, err := repo.ListTasks(ctx, ListTasksOptions{Status: models.StatusPending})
	if err != nil {
		t.Fatalf("status filter failed: %v", err)
	}
	if total != 1 || tasks[0].Title != "Fix parser crash" {
		t.Errorf("status filter mismatch: %d %+v", total, tasks)
	}

	_, total, err = repo.ListTasks(ctx, ListTasksOptions{Search: "parser"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected search to match title and description, got %d", total)
	}

	remote := true
	tasks, total, err = repo.ListTasks(ctx, ListTasksOptions{IsRemoteSSH: &remote})
	if err != nil {
		t.Fatalf("remote filter failed: %v", err)
	}
	if total != 1 || tasks[0].Title != "Refactor auth" {
		t.Errorf("remote filter mismatch: %d", total)
	}

	local := false
	_, total, err = repo.ListTasks(ctx, ListTasksOptions{IsRemoteSSH: &local})
	if err != nil {
		t.Fatalf("local filter failed: %v", err)
	}
	if total != 2 {
		t.Errorf("local filter mismatch: %d", total)
	}

	_, total, err = repo.ListTasks(ctx, ListTasksOptions{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creator filter failed: %v", err)
	}
	if total != 2 {
		t.Errorf("creator filter mismatch: %d", total)
	}

	tasks, total, err = repo.ListTasks(ctx, ListTasksOptions{Limit: 2})
	if err != nil {
		t.Fatalf("pagination failed: %v", err)
	}
	if total != 3 || len(tasks) != 2 {
		t.Errorf("expected total 3 with page of 2, got %d/%d", total, len(tasks))
	}

	tasks, _, err = repo.ListTasks(ctx, ListTasksOptions{Limit: 2, Skip: 2})
	if err != nil {
		t.Fatalf("pagination failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected final page of 1, got %d", len(tasks))
	}
}

func TestSQLRepository_Messages(t *testing.T) {
	repo := createTestSQLRepo(t)
	ctx := context.Background()

	task := &models.Task{Title: "Chatty", Status: models.StatusPending, CurrentTurn: models.TurnUser, Priority: models.PriorityNormal}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	senders := []models.MessageSender{models.SenderUser, models.SenderGemini, models.SenderCursor}
	for i, sender := range senders {
		msg := &models.Message{
			TaskID:    task.ID,
			Sender:    sender,
			Content:   "message " + string(rune('a'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("failed to create message: %v", err)
		}
	}

	messages, err := repo.ListMessages(ctx, task.ID, ListMessagesOptions{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Sender != models.SenderUser || messages[2].Sender != models.SenderCursor {
		t.Errorf("expected ascending order, got %s..%s", messages[0].Sender, messages[2].Sender)
	}

	messages, err = repo.ListMessages(ctx, task.ID, ListMessagesOptions{Sort: "desc", Limit: 1})
	if err != nil {
		t.Fatalf("failed to list desc: %v", err)
	}
	if len(messages) != 1 || messages[0].Sender != models.SenderCursor {
		t.Errorf("expected newest first, got %+v", messages)
	}

	messages, err = repo.ListMessages(ctx, task.ID, ListMessagesOptions{Limit: 2, Skip: 2})
	if err != nil {
		t.Fatalf("failed to page messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Sender != models.SenderCursor {
		t.Errorf("expected last page, got %+v", messages)
	}

	count, err := repo.CountMessages(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 messages, got %d", count)
	}
}
