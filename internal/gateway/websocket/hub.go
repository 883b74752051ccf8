// Package websocket is the client-facing gateway: a hub fanning bus events
// out to subscriber sockets, a command channel driving the broker, and a
// conversation channel driving the LLM orchestrator.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
	"github.com/funkyflowstudios/synapse-hub-sub001/pkg/wsproto"
)

// Hub tracks subscriber sockets and routes bus events to the clients whose
// subscriptions match.
type Hub struct {
	clients            map[*Client]bool
	taskSubscribers    map[string]map[*Client]bool
	commandSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan *bus.Event
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates the hub. Run must be started for registration and event
// delivery to proceed.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:            make(map[*Client]bool),
		taskSubscribers:    make(map[string]map[*Client]bool),
		commandSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		events:             make(chan *bus.Event, 256),
		done:               make(chan struct{}),
		logger:             log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run drives the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.events:
			h.routeEvent(event)
		}
	}
}

// Register adds a subscriber socket to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a subscriber socket from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Deliver hands a bus event to the hub for routing. Safe to call after the
// hub has stopped.
func (h *Hub) Deliver(event *bus.Event) {
	select {
	case h.events <- event:
	case <-h.done:
	}
}

// ClientCount returns the number of connected subscriber sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.taskSubscribers = make(map[string]map[*Client]bool)
	h.commandSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()

	for taskID := range client.taskSubs {
		if subs, ok := h.taskSubscribers[taskID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.taskSubscribers, taskID)
			}
		}
	}
	for commandID := range client.commandSubs {
		if subs, ok := h.commandSubscribers[commandID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.commandSubscribers, commandID)
			}
		}
	}
	h.logger.Debug("client unregistered",
		zap.String("client_id", client.ID),
		zap.Uint64("dropped_frames", client.droppedFrames()))
}

// routeEvent forwards one bus event. Events carrying a task or command id go
// to the matching subscriptions; events carrying neither (connector state)
// go to every subscriber socket.
func (h *Hub) routeEvent(event *bus.Event) {
	data, err := json.Marshal(wsproto.Event{Type: wsproto.TypeEvent, Event: event})
	if err != nil {
		h.logger.Error("failed to marshal event frame", zap.Error(err))
		return
	}

	taskID := events.TaskID(event.Data)
	commandID := events.CommandID(event.Data)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if taskID == "" && commandID == "" {
		for client := range h.clients {
			client.enqueue(data)
		}
		return
	}

	delivered := make(map[*Client]bool)
	for client := range h.taskSubscribers[taskID] {
		if !delivered[client] {
			delivered[client] = true
			client.enqueue(data)
		}
	}
	for client := range h.commandSubscribers[commandID] {
		if !delivered[client] {
			delivered[client] = true
			client.enqueue(data)
		}
	}
}

// SubscribeTask routes future events for taskID to client.
func (h *Hub) SubscribeTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskSubscribers[taskID]; !ok {
		h.taskSubscribers[taskID] = make(map[*Client]bool)
	}
	h.taskSubscribers[taskID][client] = true
	client.taskSubs[taskID] = true
}

// UnsubscribeTask stops routing events for taskID to client.
func (h *Hub) UnsubscribeTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.taskSubs, taskID)
	if subs, ok := h.taskSubscribers[taskID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.taskSubscribers, taskID)
		}
	}
}

// SubscribeCommand routes future events for commandID to client.
func (h *Hub) SubscribeCommand(client *Client, commandID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.commandSubscribers[commandID]; !ok {
		h.commandSubscribers[commandID] = make(map[*Client]bool)
	}
	h.commandSubscribers[commandID][client] = true
	client.commandSubs[commandID] = true
}

// UnsubscribeCommand stops routing events for commandID to client.
func (h *Hub) UnsubscribeCommand(client *Client, commandID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.commandSubs, commandID)
	if subs, ok := h.commandSubscribers[commandID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.commandSubscribers, commandID)
		}
	}
}
