package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/pkg/wsproto"
)

// geminiChannel is one conversation channel connection, bound to a single
// task. Frames are handled sequentially; sends for one task are serialized
// anyway.
type geminiChannel struct {
	sock   *lockedConn
	taskID string
	conv   ConversationSender
	logger *logger.Logger
}

func newGeminiChannel(conn *websocket.Conn, taskID string, conv ConversationSender, log *logger.Logger) *geminiChannel {
	return &geminiChannel{
		sock:   &lockedConn{conn: conn},
		taskID: taskID,
		conv:   conv,
		logger: log.WithFields(zap.String("channel", "gemini"), zap.String("task_id", taskID)),
	}
}

func (ch *geminiChannel) run(ctx context.Context) {
	conn := ch.sock.conn
	defer conn.Close()

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
				ch.logger.Warn("conversation channel read failed", zap.Error(err))
			}
			return
		}

		var frame wsproto.SendMessage
		if err := json.Unmarshal(raw, &frame); err != nil {
			ch.writeError(apperrors.Wrap(apperrors.CodeValidation, "invalid frame", err))
			continue
		}
		if frame.Type != "" && frame.Type != wsproto.TypeMessage {
			ch.writeError(apperrors.Validationf("unknown frame type: %s", frame.Type))
			continue
		}
		if strings.TrimSpace(frame.Message) == "" {
			ch.writeError(apperrors.Validation("message is required"))
			continue
		}

		if frame.Stream {
			ch.stream(ctx, &frame)
		} else {
			ch.send(ctx, &frame)
		}
	}
}

func (ch *geminiChannel) pingLoop(done <-chan struct{}) {
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

func (ch *geminiChannel) send(ctx context.Context, frame *wsproto.SendMessage) {
	result, err := ch.conv.Send(ctx, ch.taskID, frame.Message, frame.Role, frame.Metadata)
	if err != nil {
		ch.writeError(err)
		return
	}
	ch.write(wsproto.CompleteResponse{Type: wsproto.TypeCompleteResponse, Result: result})
}

// stream relays a streamed generation frame by frame. A mid-stream failure
// becomes an error frame and ends the stream without a stream_end marker.
func (ch *geminiChannel) stream(ctx context.Context, frame *wsproto.SendMessage) {
	chunks, err := ch.conv.Stream(ctx, ch.taskID, frame.Message, frame.Role, frame.Metadata)
	if err != nil {
		ch.writeError(err)
		return
	}

	ch.write(wsproto.StreamStart{Type: wsproto.TypeStreamStart, TaskID: ch.taskID})
	for chunk := range chunks {
		if chunk.Err != nil {
			ch.writeError(chunk.Err)
			return
		}
		ch.write(wsproto.StreamChunk{Type: wsproto.TypeStreamChunk, Content: chunk.Text})
	}
	ch.write(wsproto.StreamEnd{Type: wsproto.TypeStreamEnd, TaskID: ch.taskID})
}

func (ch *geminiChannel) write(v interface{}) {
	if err := ch.sock.writeJSON(v); err != nil {
		ch.logger.Debug("conversation channel write failed", zap.Error(err))
	}
}

func (ch *geminiChannel) writeError(err error) {
	ch.write(errorFrame(err))
}
