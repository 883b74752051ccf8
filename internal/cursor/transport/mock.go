package transport

import (
	"context"
	"sync"
)

// Mock is an in-memory Transport for tests. It starts connected; flip the
// link with SetConnected and script responses with SetHandler.
type Mock struct {
	mu        sync.Mutex
	connected bool
	callbacks Callbacks
	handler   func(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
	pingErr   error
	sent      []*CommandRequest
	aborted   []string
}

// NewMock returns a connected mock that answers every command with success.
func NewMock() *Mock {
	return &Mock{connected: true}
}

// SetHandler scripts the response for subsequent Sends. A nil handler
// restores the default success reply.
func (m *Mock) SetHandler(fn func(ctx context.Context, req *CommandRequest) (*CommandResponse, error)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

// SetPingErr makes subsequent Pings fail with err.
func (m *Mock) SetPingErr(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

// SetConnected flips the link state and fires the connection callbacks.
func (m *Mock) SetConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	cb := m.callbacks
	m.mu.Unlock()
	if connected && cb.OnConnect != nil {
		cb.OnConnect()
	}
	if !connected && cb.OnDisconnect != nil {
		cb.OnDisconnect(ErrConnectionLost)
	}
}

// EmitHeartbeat delivers a heartbeat to the installed callback.
func (m *Mock) EmitHeartbeat(hb *Heartbeat) {
	m.mu.Lock()
	fn := m.callbacks.OnHeartbeat
	m.mu.Unlock()
	if fn != nil {
		fn(hb)
	}
}

func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Mock) Send(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.sent = append(m.sent, req)
	fn := m.handler
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &CommandResponse{CommandID: req.CommandID, Success: true, Output: "ok"}, nil
}

func (m *Mock) Abort(_ context.Context, commandID string) error {
	m.mu.Lock()
	m.aborted = append(m.aborted, commandID)
	m.mu.Unlock()
	return nil
}

func (m *Mock) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	return m.pingErr
}

func (m *Mock) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.callbacks = cb
	m.mu.Unlock()
}

func (m *Mock) Close() error { return nil }

// Sent returns a copy of every command transmitted so far.
func (m *Mock) Sent() []*CommandRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CommandRequest, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentCount returns how many commands reached the connector.
func (m *Mock) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// Aborted returns the command ids the broker asked to abort.
func (m *Mock) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.aborted))
	copy(out, m.aborted)
	return out
}
