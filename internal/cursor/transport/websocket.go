package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
)

const (
	// Time allowed to write a frame to the connector
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the connector
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the connector
	maxMessageSize = 512 * 1024
)

// Websocket dials out to the connector agent and keeps the session alive,
// redialing with capped backoff until closed.
type Websocket struct {
	url    string
	cfg    config.ConnectorConfig
	logger *logger.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Frame

	cbMu      sync.RWMutex
	callbacks Callbacks

	reconnectDelay time.Duration // initial redial wait, doubles up to reconnectMax
	reconnectMax   time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewWebsocket builds the dial-out transport for connector.host/port.
// Nothing connects until Start.
func NewWebsocket(cfg config.ConnectorConfig, log *logger.Logger) *Websocket {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Websocket{
		url:            cfg.WebsocketURL(),
		cfg:            cfg,
		logger:         log.WithFields(zap.String("component", "connector-transport")),
		pending:        make(map[string]chan *Frame),
		reconnectDelay: time.Second,
		reconnectMax:   30 * time.Second,
		runCtx:         ctx,
		runCancel:      cancel,
	}
}

// Start launches the connect/reconnect loop.
func (t *Websocket) Start() {
	t.wg.Add(1)
	go t.run()
}

// Connected reports whether a live connector session exists.
func (t *Websocket) Connected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connected
}

// SetCallbacks installs the observer hooks.
func (t *Websocket) SetCallbacks(cb Callbacks) {
	t.cbMu.Lock()
	t.callbacks = cb
	t.cbMu.Unlock()
}

// Send transmits a command frame and waits for the matching response.
func (t *Websocket) Send(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	ch, err := t.register(req.CommandID)
	if err != nil {
		return nil, err
	}
	defer t.unregister(req.CommandID)

	if err := t.writeFrame(&Frame{Type: FrameCommand, ID: req.CommandID, Command: req}); err != nil {
		return nil, err
	}

	select {
	case fr := <-ch:
		if fr.Error != "" || fr.Response == nil {
			return nil, ErrConnectionLost
		}
		return fr.Response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort tells the connector to stop a command. The result lands on the
// command's pending response, so there is nothing to wait for here.
func (t *Websocket) Abort(ctx context.Context, commandID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.writeFrame(&Frame{Type: FrameAbort, ID: commandID})
}

// Ping round-trips an application-level ping frame.
func (t *Websocket) Ping(ctx context.Context) error {
	id := uuid.New().String()
	ch, err := t.register(id)
	if err != nil {
		return err
	}
	defer t.unregister(id)

	if err := t.writeFrame(&Frame{Type: FramePing, ID: id}); err != nil {
		return err
	}

	select {
	case fr := <-ch:
		if fr.Error != "" {
			return ErrConnectionLost
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops reconnecting, tears down the current session, and waits for
// the loops to exit.
func (t *Websocket) Close() error {
	t.runCancel()
	t.clearConn()
	t.failPending()
	t.wg.Wait()
	return nil
}

func (t *Websocket) run() {
	defer t.wg.Done()
	delay := t.reconnectDelay
	for {
		if t.closing() {
			return
		}

		dialCtx, cancel := context.WithTimeout(t.runCtx, t.cfg.ConnectTimeoutDuration())
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, nil)
		cancel()
		if err != nil {
			if t.closing() {
				return
			}
			t.logger.Warn("connector dial failed",
				zap.String("url", t.url),
				zap.Duration("next_attempt_in", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-t.runCtx.Done():
				return
			}
			delay *= 2
			if delay > t.reconnectMax {
				delay = t.reconnectMax
			}
			continue
		}
		delay = t.reconnectDelay

		if !t.setConn(conn) {
			return
		}
		t.logger.Info("connector connected", zap.String("url", t.url))
		t.notifyConnect()

		pingStop := make(chan struct{})
		t.wg.Add(1)
		go t.pingLoop(conn, pingStop)

		readErr := t.readLoop(conn)
		close(pingStop)

		t.clearConn()
		t.failPending()
		if t.closing() {
			return
		}
		t.logger.Warn("connector disconnected", zap.Error(readErr))
		t.notifyDisconnect(readErr)
	}
}

func (t *Websocket) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var fr Frame
		if err := conn.ReadJSON(&fr); err != nil {
			return err
		}
		t.handleFrame(&fr)
	}
}

func (t *Websocket) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		case <-t.runCtx.Done():
			return
		}
	}
}

func (t *Websocket) handleFrame(fr *Frame) {
	switch fr.Type {
	case FrameResponse, FramePong:
		t.resolvePending(fr.ID, fr)
	case FrameHeartbeat:
		if fr.Heartbeat == nil {
			return
		}
		t.cbMu.RLock()
		onHeartbeat := t.callbacks.OnHeartbeat
		t.cbMu.RUnlock()
		if onHeartbeat != nil {
			onHeartbeat(fr.Heartbeat)
		}
	default:
		t.logger.Debug("ignoring unknown frame", zap.String("type", fr.Type))
	}
}

func (t *Websocket) register(id string) (chan *Frame, error) {
	if !t.Connected() {
		return nil, ErrNotConnected
	}
	ch := make(chan *Frame, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	return ch, nil
}

func (t *Websocket) unregister(id string) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *Websocket) resolvePending(id string, fr *Frame) {
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.pendingMu.Unlock()
	if ok {
		ch <- fr
	}
}

// failPending unblocks every in-flight call after a disconnect.
func (t *Websocket) failPending() {
	t.pendingMu.Lock()
	for id, ch := range t.pending {
		ch <- &Frame{ID: id, Error: "connection lost"}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

func (t *Websocket) writeFrame(fr *Frame) error {
	t.connMu.RLock()
	conn, connected := t.conn, t.connected
	t.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(fr)
}

func (t *Websocket) setConn(conn *websocket.Conn) bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.closing() {
		_ = conn.Close()
		return false
	}
	t.conn = conn
	t.connected = true
	return true
}

func (t *Websocket) clearConn() {
	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = nil
	t.connected = false
	t.connMu.Unlock()
}

func (t *Websocket) closing() bool {
	return t.runCtx.Err() != nil
}

func (t *Websocket) notifyConnect() {
	t.cbMu.RLock()
	fn := t.callbacks.OnConnect
	t.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (t *Websocket) notifyDisconnect(err error) {
	t.cbMu.RLock()
	fn := t.callbacks.OnDisconnect
	t.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
