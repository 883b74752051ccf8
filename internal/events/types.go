// Package events provides event subjects and utilities for the Synapse Hub
// event system.
package events

// Event types for tasks
const (
	TaskCreated    = "task.created"
	TaskUpdated    = "task.updated"
	TaskDeleted    = "task.deleted"
	TaskTerminated = "task.terminated" // completed, failed, or cancelled
	TaskMessage    = "task.message"    // message appended to a task
)

// Event types for conversations (Gemini orchestrator)
const (
	ConversationStreamStart = "conversation.stream_start"
	ConversationStreamChunk = "conversation.stream_chunk"
	ConversationStreamEnd   = "conversation.stream_end"
	ConversationComplete    = "conversation.complete"
)

// Event types for connector commands
const (
	CommandQueued   = "command.queued"
	CommandStatus   = "command.status"
	CommandTerminal = "command.terminal"
)

// Event types for the connector link
const (
	ConnectorHeartbeat = "connector.heartbeat"
	ConnectorStatus    = "connector.status" // connected / disconnected
)

// Wildcard subscriptions used by the gateway fan-out.
const (
	TaskWildcard         = "task.*"
	ConversationWildcard = "conversation.*"
	CommandWildcard      = "command.*"
	ConnectorWildcard    = "connector.*"
)

// TaskID extracts the task id from an event data map, if present.
func TaskID(data map[string]interface{}) string {
	if v, ok := data["task_id"].(string); ok {
		return v
	}
	return ""
}

// CommandID extracts the command id from an event data map, if present.
func CommandID(data map[string]interface{}) string {
	if v, ok := data["command_id"].(string); ok {
		return v
	}
	return ""
}
