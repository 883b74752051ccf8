// Package broker queues IDE commands for the Cursor Connector and drives
// them over the transport: a bounded FIFO with a single dispatcher,
// per-command retry and timeout handling, an SSH context registry, and
// retention of terminal commands for late status queries.
package broker

import (
	"time"
)

// CommandType classifies what the connector should do with a command.
type CommandType string

const (
	CommandPrompt        CommandType = "prompt"
	CommandFileOperation CommandType = "file_operation"
	CommandShell         CommandType = "shell_command"
	CommandNavigate      CommandType = "navigate"
	CommandExtract       CommandType = "extract"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandPrompt, CommandFileOperation, CommandShell, CommandNavigate, CommandExtract:
		return true
	}
	return false
}

// CommandStatus tracks a command through its lifecycle. queued and running
// are live; the remaining four are terminal and written exactly once.
type CommandStatus string

const (
	StatusQueued    CommandStatus = "queued"
	StatusRunning   CommandStatus = "running"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
	StatusTimeout   CommandStatus = "timeout"
)

// IsTerminal reports whether the status ends the command's lifecycle.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Command is one unit of IDE work. Snapshots handed out by the broker are
// deep copies; callers never see live state.
type Command struct {
	ID             string                 `json:"id"`
	TaskID         string                 `json:"task_id"`
	Type           CommandType            `json:"type"`
	Content        string                 `json:"content"`
	Status         CommandStatus          `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Response       string                 `json:"response,omitempty"`
	Error          string                 `json:"error,omitempty"`
	SSHContextID   string                 `json:"ssh_context_id,omitempty"`
	SSHContext     *SSHContext            `json:"ssh_context,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`

	cancelReason string
}

// Clone returns a deep copy.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	cp := *c
	if c.StartedAt != nil {
		ts := *c.StartedAt
		cp.StartedAt = &ts
	}
	if c.CompletedAt != nil {
		ts := *c.CompletedAt
		cp.CompletedAt = &ts
	}
	cp.SSHContext = c.SSHContext.Clone()
	if c.Metadata != nil {
		meta := make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		cp.Metadata = meta
	}
	return &cp
}

// Duration returns completed_at minus started_at, zero until both are set.
func (c *Command) Duration() time.Duration {
	if c.StartedAt == nil || c.CompletedAt == nil {
		return 0
	}
	return c.CompletedAt.Sub(*c.StartedAt)
}
