// Package bus provides event bus abstractions for Synapse Hub.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool

	// Dropped returns how many events this subscription shed because its
	// buffer was full (oldest-first).
	Dropped() uint64
}

// EventBus interface for event bus operations.
//
// Publish never blocks the producer: slow subscribers shed their oldest
// buffered events rather than stalling publishers. Events published for a
// single source (one task id, one command id) are delivered to each
// subscription in publish order.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns support NATS-style wildcards: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

// Stats summarizes bus health for status endpoints.
type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Dropped       uint64 `json:"dropped"`
}
