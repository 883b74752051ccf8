package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
)

// connectorServer is a scriptable stand-in for the connector agent. The
// default script answers commands with success and pings with pongs.
type connectorServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	wmu     sync.Mutex
	conns   []*websocket.Conn
	handler func(conn *websocket.Conn, fr *Frame)

	connCh chan *websocket.Conn
}

func newConnectorServer(t *testing.T) *connectorServer {
	t.Helper()
	s := &connectorServer{
		t:      t,
		connCh: make(chan *websocket.Conn, 4),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.t.Logf("upgrade failed: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		select {
		case s.connCh <- conn:
		default:
		}
		s.serve(conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *connectorServer) serve(conn *websocket.Conn) {
	for {
		var fr Frame
		if err := conn.ReadJSON(&fr); err != nil {
			return
		}
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(conn, &fr)
			continue
		}
		switch fr.Type {
		case FrameCommand:
			s.writeJSON(conn, &Frame{Type: FrameResponse, ID: fr.ID, Response: &CommandResponse{
				CommandID: fr.ID,
				Success:   true,
				Output:    "echo: " + fr.Command.Content,
			}})
		case FramePing:
			s.writeJSON(conn, &Frame{Type: FramePong, ID: fr.ID})
		}
	}
}

func (s *connectorServer) setHandler(fn func(conn *websocket.Conn, fr *Frame)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *connectorServer) writeJSON(conn *websocket.Conn, fr *Frame) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := conn.WriteJSON(fr); err != nil {
		s.t.Logf("server write failed: %v", err)
	}
}

func (s *connectorServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *connectorServer) config(t *testing.T) config.ConnectorConfig {
	t.Helper()
	u, err := url.Parse(s.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return config.ConnectorConfig{
		Enabled:           true,
		Host:              u.Hostname(),
		Port:              port,
		ConnectTimeout:    2,
		CommandTimeout:    5,
		MaxRetries:        2,
		HeartbeatInterval: 30,
		QueueMaxSize:      10,
		SSHEnabled:        true,
		RetentionWindow:   600,
	}
}

func transportLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func startTransport(t *testing.T, s *connectorServer, cb Callbacks) *Websocket {
	t.Helper()
	tr := NewWebsocket(s.config(t), transportLogger(t))
	tr.reconnectDelay = 20 * time.Millisecond
	tr.SetCallbacks(cb)
	tr.Start()
	t.Cleanup(func() { _ = tr.Close() })
	require.Eventually(t, tr.Connected, 2*time.Second, 10*time.Millisecond)
	return tr
}

func TestWebsocketSendReceivesResponse(t *testing.T) {
	s := newConnectorServer(t)
	tr := startTransport(t, s, Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := tr.Send(ctx, &CommandRequest{
		CommandID: "cmd-1",
		TaskID:    "task-1",
		Type:      "prompt",
		Content:   "open main.go",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "cmd-1", resp.CommandID)
	assert.Equal(t, "echo: open main.go", resp.Output)
}

func TestWebsocketPing(t *testing.T) {
	s := newConnectorServer(t)
	tr := startTransport(t, s, Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Ping(ctx))
}

func TestWebsocketHeartbeatRelay(t *testing.T) {
	s := newConnectorServer(t)
	heartbeats := make(chan *Heartbeat, 1)
	startTransport(t, s, Callbacks{
		OnHeartbeat: func(hb *Heartbeat) {
			select {
			case heartbeats <- hb:
			default:
			}
		},
	})

	conn := <-s.connCh
	s.writeJSON(conn, &Frame{Type: FrameHeartbeat, Heartbeat: &Heartbeat{
		Timestamp: time.Now().UTC(),
		Status:    "idle",
		Version:   "0.9.1",
	}})

	select {
	case hb := <-heartbeats:
		assert.Equal(t, "idle", hb.Status)
		assert.Equal(t, "0.9.1", hb.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never relayed")
	}
}

func TestWebsocketAbortSettlesPendingCommand(t *testing.T) {
	s := newConnectorServer(t)
	commandSeen := make(chan string, 1)
	s.setHandler(func(conn *websocket.Conn, fr *Frame) {
		switch fr.Type {
		case FrameCommand:
			commandSeen <- fr.ID
		case FrameAbort:
			s.writeJSON(conn, &Frame{Type: FrameResponse, ID: fr.ID, Response: &CommandResponse{
				CommandID: fr.ID,
				Success:   false,
				Error:     "aborted",
			}})
		}
	})
	tr := startTransport(t, s, Callbacks{})

	type result struct {
		resp *CommandResponse
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := tr.Send(context.Background(), &CommandRequest{CommandID: "cmd-abort", Type: "shell_command", Content: "sleep 60"})
		results <- result{resp, err}
	}()

	select {
	case id := <-commandSeen:
		require.Equal(t, "cmd-abort", id)
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the server")
	}

	require.NoError(t, tr.Abort(context.Background(), "cmd-abort"))

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.False(t, res.resp.Success)
		assert.Equal(t, "aborted", res.resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("send never settled after abort")
	}
}

func TestWebsocketReconnectAfterDrop(t *testing.T) {
	s := newConnectorServer(t)
	var mu sync.Mutex
	connects, disconnects := 0, 0
	tr := startTransport(t, s, Callbacks{
		OnConnect: func() {
			mu.Lock()
			connects++
			mu.Unlock()
		},
		OnDisconnect: func(error) {
			mu.Lock()
			disconnects++
			mu.Unlock()
		},
	})

	// Hold a command open across the drop so the pending entry fails.
	s.setHandler(func(*websocket.Conn, *Frame) {})
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), &CommandRequest{CommandID: "cmd-drop", Type: "prompt", Content: "hello"})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	s.setHandler(nil)
	s.dropConnections()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending send never failed after drop")
	}

	require.Eventually(t, tr.Connected, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := tr.Send(ctx, &CommandRequest{CommandID: "cmd-after", Type: "prompt", Content: "again"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, connects, 2)
	assert.GreaterOrEqual(t, disconnects, 1)
}

func TestWebsocketSendBeforeConnect(t *testing.T) {
	s := newConnectorServer(t)
	tr := NewWebsocket(s.config(t), transportLogger(t))
	t.Cleanup(func() { _ = tr.Close() })

	_, err := tr.Send(context.Background(), &CommandRequest{CommandID: "cmd-x"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, tr.Ping(context.Background()), ErrNotConnected)
}

func TestWebsocketClose(t *testing.T) {
	s := newConnectorServer(t)
	tr := startTransport(t, s, Callbacks{})

	require.NoError(t, tr.Close())
	assert.False(t, tr.Connected())

	_, err := tr.Send(context.Background(), &CommandRequest{CommandID: "cmd-closed"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDisabledTransport(t *testing.T) {
	tr := NewDisabled()
	assert.False(t, tr.Connected())

	_, err := tr.Send(context.Background(), &CommandRequest{CommandID: "cmd"})
	require.ErrorIs(t, err, ErrDisabled)
	require.ErrorIs(t, tr.Ping(context.Background()), ErrDisabled)
	require.ErrorIs(t, tr.Abort(context.Background(), "cmd"), ErrDisabled)
	require.NoError(t, tr.Close())
}
