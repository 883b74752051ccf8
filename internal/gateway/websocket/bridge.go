package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
)

// EventBridge feeds bus events into the hub for subscriber routing.
type EventBridge struct {
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterEventBridge subscribes the hub to every subject family the
// gateway forwards. The bridge closes with ctx.
func RegisterEventBridge(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventBridge {
	b := &EventBridge{
		logger: log.WithFields(zap.String("component", "ws-bridge")),
	}
	if eventBus == nil {
		return b
	}

	for _, subject := range []string{
		events.TaskWildcard,
		events.ConversationWildcard,
		events.CommandWildcard,
		events.ConnectorWildcard,
	} {
		b.subscribe(eventBus, hub, subject)
	}

	go func() {
		<-ctx.Done()
		b.Close()
	}()
	return b
}

// Close drops all bus subscriptions.
func (b *EventBridge) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *EventBridge) subscribe(eventBus bus.EventBus, hub *Hub, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		hub.Deliver(event)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
