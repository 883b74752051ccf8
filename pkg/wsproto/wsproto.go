// Package wsproto defines the frames spoken on the hub's client-facing
// websocket routes. Every frame is a flat JSON object whose "type" field
// discriminates it; decode Envelope first, then the concrete frame.
package wsproto

// Client to hub frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeStatus      = "status"
	TypeCommand     = "command"
	TypeMessage     = "message"
)

// Hub to client frame types.
const (
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeEvent            = "event"
	TypeStatusUpdate     = "status_update"
	TypeCommandQueued    = "command_queued"
	TypeCommandStatus    = "command_status"
	TypeStreamStart      = "stream_start"
	TypeStreamChunk      = "stream_chunk"
	TypeStreamEnd        = "stream_end"
	TypeCompleteResponse = "complete_response"
	TypeError            = "error"
)

// Envelope carries only the discriminator.
type Envelope struct {
	Type string `json:"type"`
}

// Subscribe asks the hub to start or stop forwarding events for one task
// or one command. Exactly one of the two ids must be set.
type Subscribe struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id,omitempty"`
	CommandID string `json:"command_id,omitempty"`
}

// Ack confirms a subscription change, echoing the id it applies to.
type Ack struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id,omitempty"`
	CommandID string `json:"command_id,omitempty"`
}

// Event wraps a bus event forwarded to a subscriber socket.
type Event struct {
	Type  string      `json:"type"`
	Event interface{} `json:"event"`
}

// Command queues an IDE command from the command channel.
type Command struct {
	Type           string                 `json:"type"`
	CommandType    string                 `json:"command_type"`
	TaskID         string                 `json:"task_id"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SSHContextID   string                 `json:"ssh_context_id,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// CommandQueued acknowledges a Command frame.
type CommandQueued struct {
	Type          string `json:"type"`
	CommandID     string `json:"command_id"`
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
}

// CommandStatus relays a lifecycle change for a command issued on the same
// socket. Terminal marks the last frame for that command.
type CommandStatus struct {
	Type     string      `json:"type"`
	Terminal bool        `json:"terminal"`
	Command  interface{} `json:"command"`
}

// StatusUpdate answers a status request on the command channel.
type StatusUpdate struct {
	Type   string      `json:"type"`
	Status interface{} `json:"status"`
}

// SendMessage is the inbound conversation frame. Type is optional; a frame
// with just message/role/stream is accepted.
type SendMessage struct {
	Type     string                 `json:"type,omitempty"`
	Message  string                 `json:"message"`
	Role     string                 `json:"role,omitempty"`
	Stream   bool                   `json:"stream,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// StreamStart opens a streamed reply.
type StreamStart struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// StreamChunk carries one increment of a streamed reply.
type StreamChunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StreamEnd closes a streamed reply.
type StreamEnd struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// CompleteResponse carries the result of a blocking send.
type CompleteResponse struct {
	Type   string      `json:"type"`
	Result interface{} `json:"result"`
}

// Error reports a failure on any route. Code matches the HTTP error taxonomy.
type Error struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewError builds an error frame.
func NewError(code, message string, details map[string]interface{}) *Error {
	return &Error{Type: TypeError, Code: code, Message: message, Details: details}
}
