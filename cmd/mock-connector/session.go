package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/broker"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/transport"
)

type options struct {
	latency   time.Duration
	failEvery int
	heartbeat time.Duration
	version   string
}

// session owns one hub connection. Commands execute concurrently, each
// cancellable through an abort frame, while heartbeats report idle/busy
// from the number of in-flight commands.
type session struct {
	conn *websocket.Conn
	opts options
	log  *logger.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	activeID string
	seq      int
}

func newSession(conn *websocket.Conn, opts options, log *logger.Logger) *session {
	return &session{
		conn:     conn,
		opts:     opts,
		log:      log,
		inflight: make(map[string]context.CancelFunc),
	}
}

// run reads frames until the connection drops or ctx is cancelled.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()
	go s.heartbeatLoop(ctx)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("undecodable frame", zap.Error(err))
			continue
		}
		s.handleFrame(ctx, &frame)
	}
}

func (s *session) handleFrame(ctx context.Context, frame *transport.Frame) {
	switch frame.Type {
	case transport.FramePing:
		s.writeFrame(&transport.Frame{Type: transport.FramePong, ID: frame.ID})
	case transport.FrameCommand:
		if frame.Command == nil {
			s.log.Warn("command frame without payload", zap.String("id", frame.ID))
			return
		}
		go s.execute(ctx, frame.Command)
	case transport.FrameAbort:
		s.abort(frame.ID)
	default:
		s.log.Debug("ignoring frame", zap.String("type", frame.Type))
	}
}

// execute simulates one command. Content directives override the default
// behavior: "error" (or "error:<msg>") fails, "sleep:<duration>" stretches
// the execution time, and "hang" swallows the command so the hub's own
// timeout handling kicks in.
func (s *session) execute(ctx context.Context, req *transport.CommandRequest) {
	start := time.Now()

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	failNow := s.track(req.CommandID, cancel)
	defer s.untrack(req.CommandID)

	s.log.Info("executing command",
		zap.String("command_id", req.CommandID),
		zap.String("task_id", req.TaskID),
		zap.String("type", req.Type))

	delay := s.opts.latency
	content := strings.TrimSpace(req.Content)
	var directiveErr string
	switch {
	case content == "hang":
		<-cmdCtx.Done()
		return
	case content == "error":
		directiveErr = "simulated failure"
	case strings.HasPrefix(content, "error:"):
		directiveErr = strings.TrimSpace(strings.TrimPrefix(content, "error:"))
	case strings.HasPrefix(content, "sleep:"):
		if extra, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(content, "sleep:"))); err == nil {
			delay += extra
		}
	}

	select {
	case <-time.After(delay):
	case <-cmdCtx.Done():
		s.respond(req, start, false, "", "aborted")
		return
	}

	switch {
	case directiveErr != "":
		s.respond(req, start, false, "", directiveErr)
	case failNow:
		s.respond(req, start, false, "", fmt.Sprintf("injected failure (every %d commands)", s.opts.failEvery))
	default:
		s.respond(req, start, true, simulateOutput(req), "")
	}
}

func (s *session) respond(req *transport.CommandRequest, start time.Time, success bool, output, errMsg string) {
	s.writeFrame(&transport.Frame{
		Type: transport.FrameResponse,
		ID:   req.CommandID,
		Response: &transport.CommandResponse{
			CommandID:  req.CommandID,
			Success:    success,
			Output:     output,
			Error:      errMsg,
			DurationMS: time.Since(start).Milliseconds(),
		},
	})
}

// simulateOutput fabricates a plausible result for each command type.
func simulateOutput(req *transport.CommandRequest) string {
	where := "local workspace"
	if req.SSHContext != nil {
		where = fmt.Sprintf("%s@%s:%d", req.SSHContext.Username, req.SSHContext.Host, req.SSHContext.Port)
	}
	switch broker.CommandType(req.Type) {
	case broker.CommandPrompt:
		return fmt.Sprintf("prompt delivered to Cursor AI (%d chars), response drafted in %s", len(req.Content), where)
	case broker.CommandFileOperation:
		return fmt.Sprintf("file operation applied in %s", where)
	case broker.CommandShell:
		return fmt.Sprintf("$ %s\nexit status 0", req.Content)
	case broker.CommandNavigate:
		return fmt.Sprintf("opened %s in editor", req.Content)
	case broker.CommandExtract:
		return "extracted 3 chat messages from Cursor pane"
	default:
		return "done"
	}
}

func (s *session) abort(commandID string) {
	s.mu.Lock()
	cancel, ok := s.inflight[commandID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("abort for unknown command", zap.String("command_id", commandID))
		return
	}
	s.log.Info("aborting command", zap.String("command_id", commandID))
	cancel()
}

// track registers the command and reports whether the fail-every counter
// selects it for an injected failure.
func (s *session) track(commandID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[commandID] = cancel
	s.activeID = commandID
	s.seq++
	return s.opts.failEvery > 0 && s.seq%s.opts.failEvery == 0
}

func (s *session) untrack(commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, commandID)
	if s.activeID == commandID {
		s.activeID = ""
		for id := range s.inflight {
			s.activeID = id
			break
		}
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	s.sendHeartbeat()
	ticker := time.NewTicker(s.opts.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

func (s *session) sendHeartbeat() {
	s.mu.Lock()
	active := s.activeID
	s.mu.Unlock()

	status := "idle"
	if active != "" {
		status = "busy"
	}
	s.writeFrame(&transport.Frame{
		Type: transport.FrameHeartbeat,
		Heartbeat: &transport.Heartbeat{
			Timestamp:     time.Now().UTC(),
			Status:        status,
			Version:       s.opts.version,
			ActiveCommand: active,
		},
	})
}

func (s *session) writeFrame(frame *transport.Frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.log.Warn("write failed", zap.String("type", frame.Type), zap.Error(err))
	}
}
