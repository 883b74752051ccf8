package websocket

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/pkg/wsproto"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Command content caps at 10KB plus
	// metadata; 64KB leaves ample headroom.
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per client before the oldest is dropped.
	sendBufferSize = 1024
)

// Client is one subscriber socket. The hub owns registration; the client
// owns its pumps and its bounded send buffer.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// Subscription keys, maintained by the hub under its lock.
	taskSubs    map[string]bool
	commandSubs map[string]bool

	mu      sync.Mutex
	closed  bool
	dropped uint64

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         hub,
		send:        make(chan []byte, sendBufferSize),
		taskSubs:    make(map[string]bool),
		commandSubs: make(map[string]bool),
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue buffers a frame for the write pump. When the buffer is full the
// oldest frame is dropped so the newest state always gets through.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
		c.dropped++
	default:
	}
	select {
	case c.send <- data:
	default:
		c.dropped++
	}
}

// closeSend shuts the buffer so the write pump drains and exits. Called by
// the hub exactly once per client.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) droppedFrames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// ReadPump consumes subscribe and unsubscribe frames until the socket
// closes, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var frame wsproto.Subscribe
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("VALIDATION_ERROR", "invalid frame: "+err.Error())
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *wsproto.Subscribe) {
	switch frame.Type {
	case wsproto.TypeSubscribe, wsproto.TypeUnsubscribe:
	default:
		c.sendError("VALIDATION_ERROR", "unknown frame type: "+frame.Type)
		return
	}

	taskID := strings.TrimSpace(frame.TaskID)
	commandID := strings.TrimSpace(frame.CommandID)
	switch {
	case taskID == "" && commandID == "":
		c.sendError("VALIDATION_ERROR", "task_id or command_id is required")
		return
	case taskID != "" && commandID != "":
		c.sendError("VALIDATION_ERROR", "specify task_id or command_id, not both")
		return
	}

	ack := wsproto.Ack{TaskID: taskID, CommandID: commandID}
	switch {
	case frame.Type == wsproto.TypeSubscribe && taskID != "":
		c.hub.SubscribeTask(c, taskID)
		ack.Type = wsproto.TypeSubscribed
	case frame.Type == wsproto.TypeSubscribe:
		c.hub.SubscribeCommand(c, commandID)
		ack.Type = wsproto.TypeSubscribed
	case taskID != "":
		c.hub.UnsubscribeTask(c, taskID)
		ack.Type = wsproto.TypeUnsubscribed
	default:
		c.hub.UnsubscribeCommand(c, commandID)
		ack.Type = wsproto.TypeUnsubscribed
	}
	c.sendFrame(ack)
}

func (c *Client) sendFrame(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(code, message string) {
	c.sendFrame(wsproto.NewError(code, message, nil))
}

// WritePump flushes the send buffer to the socket and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
