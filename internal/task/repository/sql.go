package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/db"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/db/dialect"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

// SQLRepository provides task storage over SQLite or PostgreSQL. Queries are
// written with ? placeholders and rebound for the active driver.
type SQLRepository struct {
	pool *db.Pool
	db   *sqlx.DB // writer
	ro   *sqlx.DB // reader (read-only pool; same as db on Postgres)
}

var _ Repository = (*SQLRepository)(nil)

// NewSQL creates a repository on a connection pool and initializes the
// schema. The repository owns the pool and closes it on Close.
func NewSQL(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{pool: pool, db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

const taskColumns = `id, title, description, status, current_turn, priority, progress,
	project_path, ssh_host, ssh_user, estimated_duration, actual_duration,
	retry_count, max_retries, last_error, ai_contexts, created_by,
	created_at, updated_at, started_at, completed_at, deleted_at, deleted_by`

const messageColumns = `id, task_id, sender, content, related_file, created_by, created_at`

// initSchema creates the database tables if they don't exist. The DDL is the
// portable subset shared by SQLite and PostgreSQL.
func (r *SQLRepository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		current_turn TEXT NOT NULL DEFAULT 'user',
		priority TEXT NOT NULL DEFAULT 'normal',
		progress INTEGER NOT NULL DEFAULT 0,
		project_path TEXT DEFAULT '',
		ssh_host TEXT DEFAULT '',
		ssh_user TEXT DEFAULT '',
		estimated_duration INTEGER,
		actual_duration INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		last_error TEXT DEFAULT '',
		ai_contexts TEXT DEFAULT '{}',
		created_by TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		deleted_at TIMESTAMP,
		deleted_by TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS task_messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT 'user',
		content TEXT NOT NULL,
		related_file TEXT DEFAULT '',
		created_by TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_deleted_at ON tasks(deleted_at);
	CREATE INDEX IF NOT EXISTS idx_messages_task_id ON task_messages(task_id);
	CREATE INDEX IF NOT EXISTS idx_messages_task_created ON task_messages(task_id, created_at);
	`)
	return err
}

// Close closes the database connections.
func (r *SQLRepository) Close() error {
	return r.pool.Close()
}

// DB returns the underlying writer for shared access.
func (r *SQLRepository) DB() *sqlx.DB {
	return r.db
}

// CreateTask creates a new task.
func (r *SQLRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	contexts, err := marshalContexts(task.AIContexts)
	if err != nil {
		return fmt.Errorf("failed to serialize ai contexts: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		task.ID, task.Title, task.Description, task.Status, task.CurrentTurn, task.Priority, task.Progress,
		task.ProjectPath, task.SSHHost, task.SSHUser, task.EstimatedDuration, task.ActualDuration,
		task.RetryCount, task.MaxRetries, task.LastError, contexts, task.CreatedBy,
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.CompletedAt, task.DeletedAt, task.DeletedBy)
	return err
}

// GetTask retrieves a task by ID, soft-deleted rows included.
func (r *SQLRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, err
}

// UpdateTask persists the full task row.
func (r *SQLRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	contexts, err := marshalContexts(task.AIContexts)
	if err != nil {
		return fmt.Errorf("failed to serialize ai contexts: %w", err)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks
		SET title = ?, description = ?, status = ?, current_turn = ?, priority = ?, progress = ?,
			project_path = ?, ssh_host = ?, ssh_user = ?, estimated_duration = ?, actual_duration = ?,
			retry_count = ?, max_retries = ?, last_error = ?, ai_contexts = ?,
			updated_at = ?, started_at = ?, completed_at = ?, deleted_at = ?, deleted_by = ?
		WHERE id = ?
	`),
		task.Title, task.Description, task.Status, task.CurrentTurn, task.Priority, task.Progress,
		task.ProjectPath, task.SSHHost, task.SSHUser, task.EstimatedDuration, task.ActualDuration,
		task.RetryCount, task.MaxRetries, task.LastError, contexts,
		task.UpdatedAt, task.StartedAt, task.CompletedAt, task.DeletedAt, task.DeletedBy,
		task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	return nil
}

// SoftDeleteTask marks a live task deleted. Already-deleted rows report
// not found.
func (r *SQLRepository) SoftDeleteTask(ctx context.Context, id, actor string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET deleted_at = ?, deleted_by = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`), now, actor, now, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// PurgeDeletedTasks removes soft-deleted tasks whose deletion is older than
// the cutoff. Messages go with them via the cascade.
func (r *SQLRepository) PurgeDeletedTasks(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM tasks WHERE deleted_at IS NOT NULL AND deleted_at < ?
	`), olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListTasks returns a filtered page of tasks plus the total match count.
func (r *SQLRepository) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*models.Task, int, error) {
	where, args := r.buildTaskFilter(opts)

	var total int
	countQuery := "SELECT COUNT(1) FROM tasks" + where
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + taskColumns + " FROM tasks" + where + " ORDER BY created_at DESC, id DESC"
	pageArgs := args
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		pageArgs = append(append([]interface{}{}, args...), opts.Limit, opts.Skip)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, task)
	}
	return result, total, rows.Err()
}

func (r *SQLRepository) buildTaskFilter(opts ListTasksOptions) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if !opts.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, opts.Priority)
	}
	if opts.CurrentTurn != "" {
		conds = append(conds, "current_turn = ?")
		args = append(args, opts.CurrentTurn)
	}
	if opts.CreatedBy != "" {
		conds = append(conds, "created_by = ?")
		args = append(args, opts.CreatedBy)
	}
	if opts.Search != "" {
		like := dialect.Like(r.ro.DriverName())
		conds = append(conds, "(title "+like+" ? OR description "+like+" ?)")
		pattern := "%" + opts.Search + "%"
		args = append(args, pattern, pattern)
	}
	if opts.CreatedAfter != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *opts.CreatedAfter)
	}
	if opts.CreatedBefore != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, *opts.CreatedBefore)
	}
	if opts.IsRemoteSSH != nil {
		if *opts.IsRemoteSSH {
			conds = append(conds, "ssh_host != '' AND ssh_user != ''")
		} else {
			conds = append(conds, "(ssh_host = '' OR ssh_user = '')")
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CreateMessage appends a message to a task.
func (r *SQLRepository) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Sender == "" {
		message.Sender = models.SenderUser
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), message.ID, message.TaskID, message.Sender, message.Content, message.RelatedFile, message.CreatedBy, message.CreatedAt)
	return err
}

// ListMessages returns a page of messages for a task ordered by creation time.
func (r *SQLRepository) ListMessages(ctx context.Context, taskID string, opts ListMessagesOptions) ([]*models.Message, error) {
	sortDir := "ASC"
	if strings.EqualFold(opts.Sort, "desc") {
		sortDir = "DESC"
	}

	query := `SELECT ` + messageColumns + ` FROM task_messages WHERE task_id = ?` +
		fmt.Sprintf(" ORDER BY created_at %s, id %s", sortDir, sortDir)
	args := []interface{}{taskID}
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Skip)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		message := &models.Message{}
		if err := rows.Scan(&message.ID, &message.TaskID, &message.Sender, &message.Content,
			&message.RelatedFile, &message.CreatedBy, &message.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	return result, rows.Err()
}

// CountMessages returns the number of messages on a task.
func (r *SQLRepository) CountMessages(ctx context.Context, taskID string) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(1) FROM task_messages WHERE task_id = ?
	`), taskID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var contexts string
	var estimated, actual sql.NullInt64
	var started, completed, deleted sql.NullTime

	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &task.Status, &task.CurrentTurn, &task.Priority, &task.Progress,
		&task.ProjectPath, &task.SSHHost, &task.SSHUser, &estimated, &actual,
		&task.RetryCount, &task.MaxRetries, &task.LastError, &contexts, &task.CreatedBy,
		&task.CreatedAt, &task.UpdatedAt, &started, &completed, &deleted, &task.DeletedBy,
	)
	if err != nil {
		return nil, err
	}

	if estimated.Valid {
		v := int(estimated.Int64)
		task.EstimatedDuration = &v
	}
	if actual.Valid {
		v := int(actual.Int64)
		task.ActualDuration = &v
	}
	if started.Valid {
		t := started.Time.UTC()
		task.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		task.CompletedAt = &t
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		task.DeletedAt = &t
	}
	if contexts != "" && contexts != "{}" && contexts != "null" {
		if err := json.Unmarshal([]byte(contexts), &task.AIContexts); err != nil {
			return nil, fmt.Errorf("failed to deserialize ai contexts: %w", err)
		}
	}
	return task, nil
}

func marshalContexts(contexts models.AIContexts) (string, error) {
	if contexts == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(contexts)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
