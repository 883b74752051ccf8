// Package models defines the persistent task domain: tasks, messages, and
// the status/turn state machine the engine enforces.
package models

import "time"

// Validation bounds shared by the service and the HTTP layer.
const (
	TitleMaxLen          = 255
	DescriptionMaxLen    = 2000
	MessageMaxLen        = 32000
	EstimatedDurationMin = 1
	EstimatedDurationMax = 86400
	MaxRetriesLimit      = 10
	RetryProgressCeiling = 10 // progress clamp applied on retry
)

// TaskStatus is the task state machine node.
type TaskStatus string

const (
	StatusPending            TaskStatus = "pending"
	StatusProcessingCursor   TaskStatus = "processing_cursor"
	StatusAwaitingUserGemini TaskStatus = "awaiting_user_gemini"
	StatusProcessingGemini   TaskStatus = "processing_gemini"
	StatusAwaitingUserCursor TaskStatus = "awaiting_user_cursor"
	StatusCompleted          TaskStatus = "completed"
	StatusFailed             TaskStatus = "failed"
	StatusCancelled          TaskStatus = "cancelled"
)

// Valid reports whether the value is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessingCursor, StatusAwaitingUserGemini,
		StatusProcessingGemini, StatusAwaitingUserCursor,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the task is past start and not terminal.
func (s TaskStatus) IsActive() bool {
	return s.Valid() && !s.IsTerminal() && s != StatusPending
}

// TaskTurn identifies which participant acts next.
type TaskTurn string

const (
	TurnUser   TaskTurn = "user"
	TurnCursor TaskTurn = "cursor"
	TurnGemini TaskTurn = "gemini"
	TurnSystem TaskTurn = "system"
)

// Valid reports whether the value is a known turn.
func (t TaskTurn) Valid() bool {
	switch t {
	case TurnUser, TurnCursor, TurnGemini, TurnSystem:
		return true
	}
	return false
}

// TaskPriority orders tasks for human consumption; the engine does not
// schedule by it.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Valid reports whether the value is a known priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// MessageSender identifies the author of a message. Same value set as
// TaskTurn by design: messages record who acted.
type MessageSender string

const (
	SenderUser   MessageSender = "user"
	SenderCursor MessageSender = "cursor"
	SenderGemini MessageSender = "gemini"
	SenderSystem MessageSender = "system"
)

// Valid reports whether the value is a known sender.
func (s MessageSender) Valid() bool {
	switch s {
	case SenderUser, SenderCursor, SenderGemini, SenderSystem:
		return true
	}
	return false
}

// AIContexts maps an agent name ("cursor", "gemini", ...) to an opaque
// key/value bag. Last write per agent wins; the engine never keys behavior
// off bag contents.
type AIContexts map[string]map[string]interface{}

// Clone returns a deep copy.
func (c AIContexts) Clone() AIContexts {
	if c == nil {
		return nil
	}
	out := make(AIContexts, len(c))
	for agent, bag := range c {
		copied := make(map[string]interface{}, len(bag))
		for k, v := range bag {
			copied[k] = v
		}
		out[agent] = copied
	}
	return out
}

// Task represents a unit of AI work coordinated by the hub.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	CurrentTurn TaskTurn     `json:"current_turn"`
	Priority    TaskPriority `json:"priority"`
	Progress    int          `json:"progress"`

	// Remote project binding. All three empty means a local task; SSHHost
	// and SSHUser are set together or not at all.
	ProjectPath string `json:"project_path,omitempty"`
	SSHHost     string `json:"ssh_host,omitempty"`
	SSHUser     string `json:"ssh_user,omitempty"`

	EstimatedDuration *int `json:"estimated_duration,omitempty"` // seconds
	ActualDuration    *int `json:"actual_duration,omitempty"`    // seconds

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	AIContexts AIContexts `json:"ai_contexts,omitempty"`

	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	DeletedBy   string     `json:"deleted_by,omitempty"`
}

// IsRemoteSSH reports whether the task is bound to a remote project.
func (t *Task) IsRemoteSSH() bool {
	return t.SSHHost != "" && t.SSHUser != ""
}

// IsDeleted reports whether the task is soft-deleted.
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// Clone returns a deep copy so readers never share mutable state with the
// engine.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.AIContexts = t.AIContexts.Clone()
	out.EstimatedDuration = cloneIntPtr(t.EstimatedDuration)
	out.ActualDuration = cloneIntPtr(t.ActualDuration)
	out.StartedAt = cloneTimePtr(t.StartedAt)
	out.CompletedAt = cloneTimePtr(t.CompletedAt)
	out.DeletedAt = cloneTimePtr(t.DeletedAt)
	return &out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Message is one utterance within a task. Append-only; cascade-deleted with
// the task.
type Message struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Sender      MessageSender `json:"sender"`
	Content     string        `json:"content"`
	RelatedFile string        `json:"related_file,omitempty"`
	CreatedBy   string        `json:"created_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// CanTransition reports whether the status move is legal. Turn self-loop
// rejection is enforced separately by the engine; this table covers status
// nodes only.
func CanTransition(from, to TaskStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	// retry is the only edge out of a terminal state
	if from == StatusFailed && to == StatusPending {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	switch {
	case to.IsTerminal():
		return true
	case to == StatusPending:
		return false
	case from == StatusPending:
		// pending leaves only via start
		return to == StatusProcessingCursor
	default:
		// moves between active processing/awaiting states
		return to.IsActive()
	}
}

// StatusForTurn computes the status implied by handing the turn to next.
// prev is the turn being left; current is the status before the move, kept
// when the system takes the turn.
func StatusForTurn(next, prev TaskTurn, current TaskStatus) TaskStatus {
	switch next {
	case TurnCursor:
		return StatusProcessingCursor
	case TurnGemini:
		return StatusProcessingGemini
	case TurnUser:
		if prev == TurnCursor {
			return StatusAwaitingUserCursor
		}
		return StatusAwaitingUserGemini
	default:
		// system turn keeps the current processing status
		return current
	}
}
