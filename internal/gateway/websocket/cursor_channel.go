package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/broker"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
	"github.com/funkyflowstudios/synapse-hub-sub001/pkg/wsproto"
)

// lockedConn serializes writes to a socket shared by the channel's read
// loop, its bus subscription, and the ping loop.
type lockedConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *lockedConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *lockedConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// errorFrame renders any error in the socket error shape, reusing the HTTP
// taxonomy codes.
func errorFrame(err error) *wsproto.Error {
	e := apperrors.From(err)
	return wsproto.NewError(string(e.Code), e.Message, e.Details)
}

// cursorChannel is one command channel connection. Commands queued on this
// socket get their lifecycle relayed back as command_status frames until
// terminal.
type cursorChannel struct {
	sock   *lockedConn
	broker CommandBroker
	bus    bus.EventBus
	logger *logger.Logger

	mu     sync.Mutex
	issued map[string]bool
}

func newCursorChannel(conn *websocket.Conn, b CommandBroker, eventBus bus.EventBus, log *logger.Logger) *cursorChannel {
	return &cursorChannel{
		sock:   &lockedConn{conn: conn},
		broker: b,
		bus:    eventBus,
		logger: log.WithFields(zap.String("channel", "cursor")),
	}
}

func (ch *cursorChannel) run(ctx context.Context) {
	conn := ch.sock.conn
	defer conn.Close()

	if ch.bus != nil {
		sub, err := ch.bus.Subscribe(events.CommandWildcard, ch.onCommandEvent)
		if err != nil {
			ch.logger.Error("failed to subscribe to command events", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	done := make(chan struct{})
	defer close(done)
	go ch.pingLoop(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ch.logger.Warn("command channel read failed", zap.Error(err))
			}
			return
		}

		var env wsproto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			ch.writeError(apperrors.Wrap(apperrors.CodeValidation, "invalid frame", err))
			continue
		}

		switch env.Type {
		case wsproto.TypeStatus:
			ch.handleStatus()
		case wsproto.TypeCommand:
			var frame wsproto.Command
			if err := json.Unmarshal(raw, &frame); err != nil {
				ch.writeError(apperrors.Wrap(apperrors.CodeValidation, "invalid command frame", err))
				continue
			}
			ch.handleCommand(ctx, &frame)
		default:
			ch.writeError(apperrors.Validationf("unknown frame type: %s", env.Type))
		}
	}
}

func (ch *cursorChannel) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ch.sock.ping(); err != nil {
				return
			}
		}
	}
}

func (ch *cursorChannel) handleStatus() {
	ch.write(wsproto.StatusUpdate{
		Type:   wsproto.TypeStatusUpdate,
		Status: ch.broker.Health(),
	})
}

func (ch *cursorChannel) handleCommand(ctx context.Context, frame *wsproto.Command) {
	res, err := ch.broker.Enqueue(ctx, broker.EnqueueRequest{
		TaskID:         frame.TaskID,
		Type:           broker.CommandType(frame.CommandType),
		Content:        frame.Content,
		Metadata:       frame.Metadata,
		SSHContextID:   frame.SSHContextID,
		TimeoutSeconds: frame.TimeoutSeconds,
	})
	if err != nil {
		ch.writeError(err)
		return
	}

	id := res.Command.ID
	ch.track(id)
	ch.write(wsproto.CommandQueued{
		Type:          wsproto.TypeCommandQueued,
		CommandID:     id,
		TaskID:        res.Command.TaskID,
		Status:        string(res.Command.Status),
		QueuePosition: res.QueuePosition,
	})

	// The command may already have finished before the subscription saw it;
	// synthesize the terminal frame so the socket always observes one.
	if snap, err := ch.broker.GetCommand(id); err == nil && snap.Status.IsTerminal() {
		if ch.untrack(id) {
			ch.write(wsproto.CommandStatus{Type: wsproto.TypeCommandStatus, Terminal: true, Command: snap})
		}
	}
}

func (ch *cursorChannel) onCommandEvent(_ context.Context, event *bus.Event) error {
	if event.Type == events.CommandQueued {
		// The enqueue ack already covered this.
		return nil
	}
	id := events.CommandID(event.Data)
	if id == "" || !ch.tracked(id) {
		return nil
	}

	// Frames carry the full command snapshot, the same shape the status
	// endpoint returns. The snapshot can be ahead of the event that
	// triggered it, so terminal comes from the snapshot.
	var payload interface{} = event.Data
	terminal := event.Type == events.CommandTerminal
	if snap, err := ch.broker.GetCommand(id); err == nil {
		payload = snap
		terminal = snap.Status.IsTerminal()
	}
	if terminal && !ch.untrack(id) {
		return nil
	}
	ch.write(wsproto.CommandStatus{Type: wsproto.TypeCommandStatus, Terminal: terminal, Command: payload})
	return nil
}

func (ch *cursorChannel) track(id string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.issued == nil {
		ch.issued = make(map[string]bool)
	}
	ch.issued[id] = true
}

func (ch *cursorChannel) tracked(id string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.issued[id]
}

// untrack removes id and reports whether it was present, so racing terminal
// paths emit exactly one final frame.
func (ch *cursorChannel) untrack(id string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ok := ch.issued[id]
	delete(ch.issued, id)
	return ok
}

func (ch *cursorChannel) write(v interface{}) {
	if err := ch.sock.writeJSON(v); err != nil {
		ch.logger.Debug("command channel write failed", zap.Error(err))
	}
}

func (ch *cursorChannel) writeError(err error) {
	ch.write(errorFrame(err))
}
