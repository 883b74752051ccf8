package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/transport"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

const (
	// cancelGrace is how long a running command gets to settle after an
	// abort is relayed before its attempt is forced down.
	cancelGrace = 2 * time.Second

	defaultMaintenanceInterval = 5 * time.Second
	defaultConnectPoll         = 250 * time.Millisecond
	maxRetryDelay              = 30 * time.Second

	maxContentLen     = 10000
	maxMetadataBytes  = 5 * 1024
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 3600
)

// TaskService is the slice of the task engine the broker needs: command
// enqueue validates the target task exists and is not terminal.
type TaskService interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

// EnqueueRequest carries the fields for queueing a command.
type EnqueueRequest struct {
	TaskID         string
	Type           CommandType
	Content        string
	Metadata       map[string]interface{}
	SSHContextID   string
	TimeoutSeconds int
}

// EnqueueResult is the accepted command plus its 1-based queue position.
type EnqueueResult struct {
	Command       *Command
	QueuePosition int
}

// Health is a point-in-time snapshot of the broker and connector link.
type Health struct {
	Connected        bool       `json:"connected"`
	HeartbeatHealthy bool       `json:"heartbeat_healthy"`
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
	ConnectorStatus  string     `json:"connector_status,omitempty"`
	ConnectorVersion string     `json:"connector_version,omitempty"`
	QueueSize        int        `json:"queue_size"`
	ActiveCommands   int        `json:"active_commands"`
	RetainedCommands int        `json:"retained_commands"`
	ExpiredCommands  int        `json:"expired_commands"`
	SSHContexts      int        `json:"ssh_contexts"`
	SSHEnabled       bool       `json:"ssh_enabled"`
}

// Broker owns the command queue, the SSH context registry, and the single
// dispatcher that drives commands over the connector transport.
type Broker struct {
	cfg       config.ConnectorConfig
	transport transport.Transport
	tasks     TaskService
	eventBus  bus.EventBus
	logger    *logger.Logger

	// mu guards commands, running, and all Command mutation. The queue has
	// its own lock; b.mu may be held while taking it, never the reverse.
	mu       sync.Mutex
	commands map[string]*Command
	running  map[string]context.CancelFunc
	queue    *commandQueue

	sshMu       sync.RWMutex
	sshContexts map[string]*SSHContext

	hbMu          sync.Mutex
	lastHeartbeat time.Time
	lastStatus    string
	lastVersion   string
	prevHealthy   bool

	wake    chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	// overridable in tests
	sleep               func(ctx context.Context, d time.Duration) error
	connectPoll         time.Duration
	maintenanceInterval time.Duration
	grace               time.Duration
	staleAfter          time.Duration
}

// New creates a broker over the given transport. Call Start to begin
// dispatching and Stop to drain.
func New(cfg config.ConnectorConfig, tr transport.Transport, tasks TaskService, eventBus bus.EventBus, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Default()
	}
	b := &Broker{
		cfg:                 cfg,
		transport:           tr,
		tasks:               tasks,
		eventBus:            eventBus,
		logger:              log.WithFields(zap.String("component", "cursor-broker")),
		commands:            make(map[string]*Command),
		running:             make(map[string]context.CancelFunc),
		queue:               newCommandQueue(cfg.QueueMaxSize),
		sshContexts:         make(map[string]*SSHContext),
		wake:                make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
		sleep:               sleepContext,
		connectPoll:         defaultConnectPoll,
		maintenanceInterval: defaultMaintenanceInterval,
		grace:               cancelGrace,
		staleAfter:          2 * cfg.HeartbeatIntervalDuration(),
	}
	tr.SetCallbacks(transport.Callbacks{
		OnConnect:    b.onConnect,
		OnDisconnect: b.onDisconnect,
		OnHeartbeat:  b.onHeartbeat,
	})
	return b
}

// Start seeds SSH contexts and launches the dispatcher and maintenance
// loops.
func (b *Broker) Start() {
	if b.cfg.SSHEnabled && b.cfg.SSHContextsFile != "" {
		if err := b.loadSSHContexts(b.cfg.SSHContextsFile); err != nil {
			b.logger.Warn("ssh context seed file not loaded",
				zap.String("path", b.cfg.SSHContextsFile),
				zap.Error(err))
		}
	}
	b.wg.Add(2)
	go b.dispatchLoop()
	go b.maintenanceLoop()
	b.logger.Info("command broker started",
		zap.Int("queue_max_size", b.cfg.QueueMaxSize),
		zap.Bool("ssh_enabled", b.cfg.SSHEnabled))
}

// Stop rejects further enqueues, cancels queued commands with reason
// shutdown, aborts running ones, and waits for the loops to exit.
func (b *Broker) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.stopCh)

	drained := b.queue.drain()

	b.mu.Lock()
	now := time.Now().UTC()
	var snaps []*Command
	for _, cmd := range drained {
		if cmd.Status.IsTerminal() {
			continue
		}
		ts := now
		cmd.Status = StatusCancelled
		cmd.CompletedAt = &ts
		cmd.Error = "shutdown"
		snaps = append(snaps, cmd.Clone())
	}
	var cancels []context.CancelFunc
	for id, cancelRun := range b.running {
		if cmd := b.commands[id]; cmd != nil && cmd.cancelReason == "" {
			cmd.cancelReason = "shutdown"
		}
		cancels = append(cancels, cancelRun)
	}
	b.mu.Unlock()

	for _, snap := range snaps {
		b.publishTerminal(snap)
	}
	for _, cancelRun := range cancels {
		cancelRun()
	}
	b.wg.Wait()
	b.logger.Info("command broker stopped", zap.Int("cancelled_queued", len(snaps)))
}

// Enqueue validates and queues a command for the connector. The queue
// accepts while disconnected; dispatch waits for the link.
func (b *Broker) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if b.stopped.Load() {
		return nil, apperrors.BusinessLogic("command broker is shutting down")
	}
	if err := validateEnqueue(&req); err != nil {
		return nil, err
	}

	task, err := b.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, apperrors.BusinessLogicf("task %s is %s and accepts no commands", task.ID, task.Status)
	}

	// Snapshot the SSH context by value now; later edits or deletes must
	// not affect this command.
	var sshSnap *SSHContext
	if req.SSHContextID != "" {
		if !b.cfg.SSHEnabled {
			return nil, apperrors.BusinessLogic("ssh support is disabled")
		}
		b.sshMu.RLock()
		sc, ok := b.sshContexts[req.SSHContextID]
		if ok {
			sshSnap = sc.Clone()
		}
		b.sshMu.RUnlock()
		if !ok {
			return nil, apperrors.NotFound("ssh context", req.SSHContextID)
		}
		if !sshSnap.IsActive {
			return nil, apperrors.BusinessLogicf("ssh context %s is inactive", req.SSHContextID)
		}
	}

	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = b.cfg.CommandTimeout
	}

	cmd := &Command{
		ID:             uuid.New().String(),
		TaskID:         req.TaskID,
		Type:           req.Type,
		Content:        req.Content,
		Status:         StatusQueued,
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     b.cfg.MaxRetries,
		TimeoutSeconds: timeout,
		SSHContextID:   req.SSHContextID,
		SSHContext:     sshSnap,
		Metadata:       req.Metadata,
	}

	b.mu.Lock()
	pos, err := b.queue.enqueue(cmd)
	if err != nil {
		size := b.queue.len()
		b.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.CodeBusinessLogic, "command queue is full", err).
			WithDetail("queue_size", size).
			WithDetail("queue_max_size", b.cfg.QueueMaxSize)
	}
	b.commands[cmd.ID] = cmd
	snap := cmd.Clone()
	b.mu.Unlock()

	b.wakeDispatcher()
	b.publishQueued(snap, pos)
	b.logger.Info("command queued",
		zap.String("command_id", cmd.ID),
		zap.String("task_id", cmd.TaskID),
		zap.String("type", string(cmd.Type)),
		zap.Int("queue_position", pos))
	return &EnqueueResult{Command: snap, QueuePosition: pos}, nil
}

func validateEnqueue(req *EnqueueRequest) error {
	if strings.TrimSpace(req.TaskID) == "" {
		return apperrors.Validation("task_id is required")
	}
	if !req.Type.Valid() {
		return apperrors.Validationf("invalid command type: %s (must be one of: prompt, file_operation, shell_command, navigate, extract)", req.Type)
	}
	if req.Content == "" {
		return apperrors.Validation("content is required")
	}
	if len([]rune(req.Content)) > maxContentLen {
		return apperrors.Validationf("content must be at most %d characters", maxContentLen)
	}
	if req.TimeoutSeconds != 0 && (req.TimeoutSeconds < minTimeoutSeconds || req.TimeoutSeconds > maxTimeoutSeconds) {
		return apperrors.Validationf("timeout_seconds must be between %d and %d", minTimeoutSeconds, maxTimeoutSeconds)
	}
	if req.Metadata != nil {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return apperrors.Validation("metadata must be JSON-serializable")
		}
		if len(raw) > maxMetadataBytes {
			return apperrors.Validationf("metadata must serialize to at most %d bytes", maxMetadataBytes)
		}
	}
	return nil
}

// GetCommand returns a snapshot of a live or retained command.
func (b *Broker) GetCommand(id string) (*Command, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd, ok := b.commands[id]
	if !ok {
		return nil, apperrors.NotFound("command", id)
	}
	return cmd.Clone(), nil
}

// QueuePosition returns the 1-based position of a queued command, 0 if it
// is no longer waiting.
func (b *Broker) QueuePosition(id string) int {
	return b.queue.position(id)
}

// Cancel cancels a command. Queued commands cancel immediately; running
// ones get an abort relayed to the connector and a short grace before the
// attempt is forced down. Cancelling an already-cancelled command is a
// no-op; cancelling any other terminal command is rejected.
func (b *Broker) Cancel(ctx context.Context, id, reason string) (*Command, error) {
	if reason == "" {
		reason = "cancelled"
	}

	b.mu.Lock()
	cmd, ok := b.commands[id]
	if !ok {
		b.mu.Unlock()
		return nil, apperrors.NotFound("command", id)
	}

	switch cmd.Status {
	case StatusQueued:
		b.queue.remove(id)
		now := time.Now().UTC()
		cmd.Status = StatusCancelled
		cmd.CompletedAt = &now
		cmd.Error = reason
		snap := cmd.Clone()
		b.mu.Unlock()
		b.publishTerminal(snap)
		b.logger.Info("queued command cancelled",
			zap.String("command_id", id),
			zap.String("reason", reason))
		return snap, nil

	case StatusRunning:
		first := cmd.cancelReason == ""
		if first {
			cmd.cancelReason = reason
		}
		cancelRun := b.running[id]
		snap := cmd.Clone()
		b.mu.Unlock()
		if first {
			go b.abortRunning(id, cancelRun)
			b.logger.Info("running command abort requested",
				zap.String("command_id", id),
				zap.String("reason", reason))
		}
		return snap, nil

	case StatusCancelled:
		snap := cmd.Clone()
		b.mu.Unlock()
		return snap, nil

	default:
		status := cmd.Status
		b.mu.Unlock()
		return nil, apperrors.BusinessLogicf("command already finished with status %s", status)
	}
}

// CancelTaskCommands cancels every live command belonging to a task and
// returns how many were affected. The task service calls this when a task
// is deleted or reaches a terminal status.
func (b *Broker) CancelTaskCommands(ctx context.Context, taskID, reason string) int {
	if reason == "" {
		reason = "task cancelled"
	}

	b.mu.Lock()
	removed := b.queue.removeTask(taskID)
	now := time.Now().UTC()
	var snaps []*Command
	for _, cmd := range removed {
		if cmd.Status.IsTerminal() {
			continue
		}
		ts := now
		cmd.Status = StatusCancelled
		cmd.CompletedAt = &ts
		cmd.Error = reason
		snaps = append(snaps, cmd.Clone())
	}

	type abort struct {
		id        string
		cancelRun context.CancelFunc
	}
	var aborts []abort
	for id, cancelRun := range b.running {
		cmd := b.commands[id]
		if cmd == nil || cmd.TaskID != taskID || cmd.Status != StatusRunning {
			continue
		}
		if cmd.cancelReason == "" {
			cmd.cancelReason = reason
			aborts = append(aborts, abort{id: id, cancelRun: cancelRun})
		}
	}
	b.mu.Unlock()

	for _, snap := range snaps {
		b.publishTerminal(snap)
	}
	for _, a := range aborts {
		go b.abortRunning(a.id, a.cancelRun)
	}

	cancelled := len(snaps) + len(aborts)
	if cancelled > 0 {
		b.logger.Info("task commands cancelled",
			zap.String("task_id", taskID),
			zap.String("reason", reason),
			zap.Int("count", cancelled))
	}
	return cancelled
}

// Health returns a live snapshot for the status endpoints.
func (b *Broker) Health() Health {
	now := time.Now().UTC()
	cut := now.Add(-b.cfg.RetentionWindowDuration())

	b.mu.Lock()
	h := Health{QueueSize: b.queue.len()}
	for _, cmd := range b.commands {
		switch {
		case cmd.Status == StatusRunning:
			h.ActiveCommands++
		case cmd.Status.IsTerminal():
			if cmd.CompletedAt != nil && cmd.CompletedAt.Before(cut) {
				h.ExpiredCommands++
			} else {
				h.RetainedCommands++
			}
		}
	}
	b.mu.Unlock()

	b.sshMu.RLock()
	h.SSHContexts = len(b.sshContexts)
	b.sshMu.RUnlock()
	h.SSHEnabled = b.cfg.SSHEnabled

	h.Connected = b.transport.Connected()

	b.hbMu.Lock()
	if !b.lastHeartbeat.IsZero() {
		ts := b.lastHeartbeat
		h.LastHeartbeat = &ts
		h.HeartbeatHealthy = now.Sub(ts) <= b.staleAfter
		h.ConnectorStatus = b.lastStatus
		h.ConnectorVersion = b.lastVersion
	}
	b.hbMu.Unlock()

	return h
}

// dispatchLoop is the single consumer: strict FIFO, one command in flight
// at a time, gated on the transport connection.
func (b *Broker) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		// Commands stay queued while the link is down.
		if !b.transport.Connected() {
			select {
			case <-b.stopCh:
				return
			case <-time.After(b.connectPoll):
			}
			continue
		}

		cmd := b.queue.dequeue()
		if cmd == nil {
			select {
			case <-b.stopCh:
				return
			case <-b.wake:
			}
			continue
		}

		b.runCommand(cmd)
	}
}

func (b *Broker) runCommand(cmd *Command) {
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	b.mu.Lock()
	if cmd.Status != StatusQueued {
		// Cancelled between dequeue and here.
		b.mu.Unlock()
		return
	}
	if b.stopped.Load() {
		// Dequeued just as Stop drained the queue.
		now := time.Now().UTC()
		cmd.Status = StatusCancelled
		cmd.CompletedAt = &now
		cmd.Error = "shutdown"
		snap := cmd.Clone()
		b.mu.Unlock()
		b.publishTerminal(snap)
		return
	}
	now := time.Now().UTC()
	cmd.Status = StatusRunning
	cmd.StartedAt = &now
	b.running[cmd.ID] = cancelRun
	b.mu.Unlock()

	b.publishStatus(cmd.ID)
	b.logger.Info("command running",
		zap.String("command_id", cmd.ID),
		zap.String("task_id", cmd.TaskID),
		zap.String("type", string(cmd.Type)))

	for {
		resp, err := b.transmit(runCtx, cmd)

		b.mu.Lock()
		cancelling := cmd.cancelReason != ""
		b.mu.Unlock()
		if cancelling || runCtx.Err() != nil {
			b.finishCancelled(cmd.ID)
			return
		}

		if err == nil {
			if resp.Success {
				b.finish(cmd.ID, StatusCompleted, resp.Output, "")
			} else {
				// The connector executed the command and reported failure;
				// it may have had side effects, so no retry.
				b.finish(cmd.ID, StatusFailed, resp.Output, connectorFailure(resp))
			}
			return
		}

		timedOut := errors.Is(err, context.DeadlineExceeded)

		b.mu.Lock()
		canRetry := cmd.RetryCount < cmd.MaxRetries
		if canRetry {
			cmd.RetryCount++
		}
		retry := cmd.RetryCount
		b.mu.Unlock()

		if !canRetry {
			if timedOut {
				b.finish(cmd.ID, StatusTimeout, "", fmt.Sprintf("no response within %ds", cmd.TimeoutSeconds))
			} else {
				b.finish(cmd.ID, StatusFailed, "", fmt.Sprintf("transport failure: %v", err))
			}
			return
		}

		delay := retryDelay(retry)
		b.logger.Warn("command attempt failed",
			zap.String("command_id", cmd.ID),
			zap.Int("retry_count", retry),
			zap.Duration("backoff", delay),
			zap.Error(err))
		b.publishStatus(cmd.ID)

		if err := b.sleep(runCtx, delay); err != nil {
			b.finishCancelled(cmd.ID)
			return
		}
		if err := b.waitConnected(runCtx); err != nil {
			b.finishCancelled(cmd.ID)
			return
		}
	}
}

// transmit sends one attempt, bounded by the command's timeout.
func (b *Broker) transmit(runCtx context.Context, cmd *Command) (*transport.CommandResponse, error) {
	attemptCtx, cancel := context.WithTimeout(runCtx, time.Duration(cmd.TimeoutSeconds)*time.Second)
	defer cancel()
	return b.transport.Send(attemptCtx, b.transportRequest(cmd))
}

func (b *Broker) transportRequest(cmd *Command) *transport.CommandRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := &transport.CommandRequest{
		CommandID:      cmd.ID,
		TaskID:         cmd.TaskID,
		Type:           string(cmd.Type),
		Content:        cmd.Content,
		TimeoutSeconds: cmd.TimeoutSeconds,
	}
	if cmd.Metadata != nil {
		meta := make(map[string]interface{}, len(cmd.Metadata))
		for k, v := range cmd.Metadata {
			meta[k] = v
		}
		req.Metadata = meta
	}
	req.SSHContext = cmd.SSHContext.transportContext()
	return req
}

// finish writes a terminal status exactly once; later attempts no-op.
func (b *Broker) finish(id string, status CommandStatus, response, errMsg string) {
	b.mu.Lock()
	cmd, ok := b.commands[id]
	if !ok || cmd.Status.IsTerminal() {
		b.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	cmd.Status = status
	cmd.CompletedAt = &now
	cmd.Response = response
	cmd.Error = errMsg
	delete(b.running, id)
	snap := cmd.Clone()
	b.mu.Unlock()

	b.publishTerminal(snap)
	b.logger.Info("command finished",
		zap.String("command_id", snap.ID),
		zap.String("task_id", snap.TaskID),
		zap.String("status", string(snap.Status)),
		zap.Int("retry_count", snap.RetryCount),
		zap.Duration("duration", snap.Duration()))
}

func (b *Broker) finishCancelled(id string) {
	b.mu.Lock()
	var reason string
	if cmd, ok := b.commands[id]; ok {
		reason = cmd.cancelReason
	}
	b.mu.Unlock()
	if reason == "" {
		if b.stopped.Load() {
			reason = "shutdown"
		} else {
			reason = "cancelled"
		}
	}
	b.finish(id, StatusCancelled, "", reason)
}

// abortRunning relays the abort and forces the attempt down after the
// grace so a wedged connector cannot pin the dispatcher.
func (b *Broker) abortRunning(id string, cancelRun context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), b.grace)
	defer cancel()
	err := b.transport.Abort(ctx, id)
	if err != nil && !errors.Is(err, transport.ErrNotConnected) && !errors.Is(err, transport.ErrDisabled) {
		b.logger.Warn("abort relay failed", zap.String("command_id", id), zap.Error(err))
	}
	<-ctx.Done()
	if cancelRun != nil {
		cancelRun()
	}
}

func (b *Broker) maintenanceLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.reapExpired()
			b.checkHeartbeat()
		}
	}
}

// reapExpired drops terminal commands past the retention window.
func (b *Broker) reapExpired() {
	cut := time.Now().UTC().Add(-b.cfg.RetentionWindowDuration())
	b.mu.Lock()
	reaped := 0
	for id, cmd := range b.commands {
		if cmd.Status.IsTerminal() && cmd.CompletedAt != nil && cmd.CompletedAt.Before(cut) {
			delete(b.commands, id)
			reaped++
		}
	}
	b.mu.Unlock()
	if reaped > 0 {
		b.logger.Debug("reaped expired commands", zap.Int("count", reaped))
	}
}

func (b *Broker) checkHeartbeat() {
	now := time.Now().UTC()
	b.hbMu.Lock()
	last := b.lastHeartbeat
	status := b.lastStatus
	healthy := !last.IsZero() && now.Sub(last) <= b.staleAfter
	transitioned := b.prevHealthy && !healthy
	if transitioned {
		b.prevHealthy = false
	}
	b.hbMu.Unlock()

	if transitioned {
		b.logger.Warn("connector heartbeat stale",
			zap.Time("last_heartbeat", last),
			zap.Duration("stale_after", b.staleAfter))
		b.publishHeartbeat(false, last, status)
	}
}

func (b *Broker) onHeartbeat(hb *transport.Heartbeat) {
	now := time.Now().UTC()
	b.hbMu.Lock()
	b.lastHeartbeat = now
	b.lastStatus = hb.Status
	b.lastVersion = hb.Version
	wasHealthy := b.prevHealthy
	b.prevHealthy = true
	b.hbMu.Unlock()

	if !wasHealthy {
		b.publishHeartbeat(true, now, hb.Status)
	}
}

func (b *Broker) onConnect() {
	b.logger.Info("connector link up")
	b.publish(events.ConnectorStatus, map[string]interface{}{"connected": true})
}

func (b *Broker) onDisconnect(err error) {
	b.logger.Warn("connector link down", zap.Error(err))
	b.publish(events.ConnectorStatus, map[string]interface{}{"connected": false})
}

func (b *Broker) publishQueued(cmd *Command, position int) {
	b.publish(events.CommandQueued, map[string]interface{}{
		"command_id":     cmd.ID,
		"task_id":        cmd.TaskID,
		"type":           string(cmd.Type),
		"status":         string(cmd.Status),
		"queue_position": position,
		"queued_at":      cmd.CreatedAt.Format(time.RFC3339),
	})
}

func (b *Broker) publishStatus(id string) {
	b.mu.Lock()
	cmd, ok := b.commands[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	data := map[string]interface{}{
		"command_id":  cmd.ID,
		"task_id":     cmd.TaskID,
		"status":      string(cmd.Status),
		"retry_count": cmd.RetryCount,
	}
	b.mu.Unlock()
	b.publish(events.CommandStatus, data)
}

func (b *Broker) publishTerminal(snap *Command) {
	data := map[string]interface{}{
		"command_id":      snap.ID,
		"task_id":         snap.TaskID,
		"status":          string(snap.Status),
		"retry_count":     snap.RetryCount,
		"response_length": len(snap.Response),
		"duration_ms":     snap.Duration().Milliseconds(),
	}
	if snap.Error != "" {
		data["error"] = snap.Error
	}
	b.publish(events.CommandTerminal, data)
}

func (b *Broker) publishHeartbeat(healthy bool, last time.Time, status string) {
	data := map[string]interface{}{"healthy": healthy}
	if !last.IsZero() {
		data["last_heartbeat"] = last.Format(time.RFC3339)
	}
	if status != "" {
		data["connector_status"] = status
	}
	b.publish(events.ConnectorHeartbeat, data)
}

func (b *Broker) publish(subject string, data map[string]interface{}) {
	if b.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "cursor-broker", data)
	if err := b.eventBus.Publish(context.Background(), subject, event); err != nil {
		b.logger.Error("failed to publish broker event",
			zap.String("event_type", subject),
			zap.Error(err))
	}
}

func (b *Broker) wakeDispatcher() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) waitConnected(ctx context.Context) error {
	for !b.transport.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.connectPoll):
		}
	}
	return nil
}

// retryDelay doubles per retry, capped at maxRetryDelay.
func retryDelay(retry int) time.Duration {
	if retry > 5 {
		return maxRetryDelay
	}
	d := time.Duration(1<<uint(retry)) * time.Second
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func connectorFailure(resp *transport.CommandResponse) string {
	if resp.Error != "" {
		return resp.Error
	}
	return "connector reported failure"
}
