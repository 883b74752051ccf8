// Package transport provides the hub side of the Cursor Connector link:
// request/response delivery for IDE commands plus heartbeat relay. The
// command broker drives the Transport interface; the websocket
// implementation talks to a live connector agent and the mock stands in
// for tests.
package transport

import (
	"context"
	"errors"
	"time"
)

// Link errors. The broker treats both as retryable and waits for
// connectivity instead of failing queued commands outright.
var (
	ErrNotConnected   = errors.New("connector transport is not connected")
	ErrConnectionLost = errors.New("connector connection lost")
	ErrDisabled       = errors.New("connector transport is disabled")
)

// Frame types exchanged on the connector socket.
const (
	FrameCommand   = "command"
	FrameResponse  = "response"
	FrameAbort     = "abort"
	FramePing      = "ping"
	FramePong      = "pong"
	FrameHeartbeat = "heartbeat"
)

// Frame is the envelope for every message on the connector socket. ID
// correlates responses to commands and pongs to pings.
type Frame struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	Command   *CommandRequest  `json:"command,omitempty"`
	Response  *CommandResponse `json:"response,omitempty"`
	Heartbeat *Heartbeat       `json:"heartbeat,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// CommandRequest is one IDE command shipped to the connector.
type CommandRequest struct {
	CommandID      string                 `json:"command_id"`
	TaskID         string                 `json:"task_id"`
	Type           string                 `json:"type"`
	Content        string                 `json:"content"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SSHContext     *SSHContext            `json:"ssh_context,omitempty"`
}

// SSHContext is the remote-host binding shipped with a command. It is a
// value snapshot; the broker owns the editable registry.
type SSHContext struct {
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	Username         string            `json:"username,omitempty"`
	KeyPath          string            `json:"key_path,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// CommandResponse is the connector's answer to a CommandRequest.
type CommandResponse struct {
	CommandID  string `json:"command_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Heartbeat is the connector's periodic liveness report.
type Heartbeat struct {
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"` // idle or busy
	Version       string    `json:"version,omitempty"`
	ActiveCommand string    `json:"active_command,omitempty"`
}

// Callbacks observe connection state changes and connector heartbeats.
// They are invoked from the transport's read loop and must not block.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnHeartbeat  func(hb *Heartbeat)
}

// Transport is the hub's link to one Cursor Connector instance.
type Transport interface {
	// Connected reports whether a live connector session exists.
	Connected() bool
	// Send transmits a command and blocks until the connector responds or
	// ctx expires.
	Send(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
	// Abort asks the connector to stop a running command. The outcome
	// arrives as the command's response, not as a return value here.
	Abort(ctx context.Context, commandID string) error
	// Ping round-trips a liveness probe over the link.
	Ping(ctx context.Context) error
	// SetCallbacks installs the observer hooks. Install them before the
	// transport starts connecting.
	SetCallbacks(cb Callbacks)
	Close() error
}

// Disabled is installed when connector.enabled is false. It never connects,
// so queued commands sit in the broker until shutdown.
type Disabled struct{}

// NewDisabled returns the no-op transport.
func NewDisabled() *Disabled { return &Disabled{} }

func (*Disabled) Connected() bool { return false }

func (*Disabled) Send(context.Context, *CommandRequest) (*CommandResponse, error) {
	return nil, ErrDisabled
}

func (*Disabled) Abort(context.Context, string) error { return ErrDisabled }

func (*Disabled) Ping(context.Context) error { return ErrDisabled }

func (*Disabled) SetCallbacks(Callbacks) {}

func (*Disabled) Close() error { return nil }
