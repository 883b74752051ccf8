// Package orchestrator manages per-task Gemini conversations: history and
// window optimization, send/stream with retry, and context eviction when the
// owning task terminates.
package orchestrator

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini"
)

// Conversation roles accepted on send. Assistant maps to the API's "model"
// vocabulary on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Entry is one turn of a conversation history.
type Entry struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationSummary is the read-only view returned by Summary and attached
// to send results.
type ConversationSummary struct {
	TaskID          string    `json:"task_id"`
	MessageCount    int       `json:"message_count"`
	EstimatedTokens int       `json:"estimated_tokens"`
	LastUpdated     time.Time `json:"last_updated"`
	HasSystemPrompt bool      `json:"has_system_prompt"`
}

// estimateTokens approximates the token cost of a string as ceil(runes/4).
// Stability matters more than precision here: the same string must always
// cost the same so the running total stays consistent across drops.
func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// conversation is the mutable per-task history. The map of conversations is
// guarded by the orchestrator; each conversation guards its own content so
// summaries never wait behind an in-flight generation.
type conversation struct {
	taskID string

	mu          sync.Mutex
	history     []Entry
	tokens      int
	lastUpdated time.Time
}

func newConversation(taskID, systemPrompt string) *conversation {
	c := &conversation{taskID: taskID, lastUpdated: time.Now().UTC()}
	if systemPrompt != "" {
		c.append(RoleSystem, systemPrompt, nil)
	}
	return c
}

// append records one turn and updates the running token estimate.
func (c *conversation) append(role, content string, metadata map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Entry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
	c.tokens += estimateTokens(content)
	c.lastUpdated = time.Now().UTC()
}

// optimize drops the oldest non-system entries until the estimate fits the
// budget. System entries are never dropped. Returns how many entries went.
func (c *conversation) optimize(budget int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for c.tokens > budget {
		idx := -1
		for i, e := range c.history {
			if e.Role != RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		c.tokens -= estimateTokens(c.history[idx].Content)
		c.history = append(c.history[:idx], c.history[idx+1:]...)
		dropped++
	}
	if dropped > 0 {
		c.lastUpdated = time.Now().UTC()
	}
	return dropped
}

// request snapshots the history into a capability request. System entries
// ride the system-instruction slot; assistant becomes "model"; anything else
// becomes "user".
func (c *conversation) request() *gemini.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	var system []string
	req := &gemini.Request{Messages: make([]gemini.Turn, 0, len(c.history))}
	for _, e := range c.history {
		if e.Role == RoleSystem {
			system = append(system, e.Content)
			continue
		}
		role := "user"
		if e.Role == RoleAssistant {
			role = "model"
		}
		req.Messages = append(req.Messages, gemini.Turn{Role: role, Content: e.Content})
	}
	req.System = strings.Join(system, "\n\n")
	return req
}

func (c *conversation) summary() *ConversationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	hasSystem := false
	for _, e := range c.history {
		if e.Role == RoleSystem {
			hasSystem = true
			break
		}
	}
	return &ConversationSummary{
		TaskID:          c.taskID,
		MessageCount:    len(c.history),
		EstimatedTokens: c.tokens,
		LastUpdated:     c.lastUpdated,
		HasSystemPrompt: hasSystem,
	}
}
