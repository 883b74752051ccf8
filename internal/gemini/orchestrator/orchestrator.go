package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
)

// TaskService is the slice of the task engine the orchestrator records
// conversation turns through.
type TaskService interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	AppendMessage(ctx context.Context, id string, sender models.MessageSender, content, relatedFile, createdBy string) (*models.Message, error)
}

// SendResult is the outcome of a completed (non-streaming) send.
type SendResult struct {
	UserMessage string               `json:"user_message"`
	AIResponse  string               `json:"ai_response"`
	Model       string               `json:"model"`
	Usage       gemini.Usage         `json:"usage"`
	Summary     *ConversationSummary `json:"conversation_summary"`
}

// Health summarizes orchestrator state for status endpoints.
type Health struct {
	Running             bool   `json:"running"`
	Model               string `json:"model"`
	ActiveConversations int    `json:"active_conversations"`
	InFlightSends       int    `json:"in_flight_sends"`
}

// Orchestrator coordinates per-task conversations with the LLM. Sends for
// one task serialize in submission order; different tasks run in parallel up
// to the global cap.
type Orchestrator struct {
	capability gemini.Capability
	tasks      TaskService
	eventBus   bus.EventBus
	logger     *logger.Logger
	cfg        config.LLMConfig

	mu            sync.Mutex
	conversations map[string]*conversation
	inflight      map[string]context.CancelFunc

	locks sync.Map // task id -> *sync.Mutex
	sem   *semaphore.Weighted

	sub     bus.Subscription
	stopped atomic.Bool

	// sleep is the backoff wait; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the orchestrator and subscribes it to task
// termination events so contexts are evicted and in-flight sends cancelled
// when their task finishes. maxConcurrent caps in-flight sends globally.
func NewOrchestrator(capability gemini.Capability, tasks TaskService, eventBus bus.EventBus, log *logger.Logger, cfg config.LLMConfig, maxConcurrent int) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	o := &Orchestrator{
		capability:    capability,
		tasks:         tasks,
		eventBus:      eventBus,
		logger:        log,
		cfg:           cfg,
		conversations: make(map[string]*conversation),
		inflight:      make(map[string]context.CancelFunc),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		sleep:         sleepContext,
	}

	if eventBus != nil {
		sub, err := eventBus.Subscribe(events.TaskTerminated, o.onTaskTerminated)
		if err != nil {
			log.Error("failed to subscribe to task terminations", zap.Error(err))
		} else {
			o.sub = sub
		}
	}

	return o
}

// CreateConversation (re)creates the conversation for a task, replacing any
// existing history. The task must exist.
func (o *Orchestrator) CreateConversation(ctx context.Context, taskID, systemPrompt string) (*ConversationSummary, error) {
	if o.stopped.Load() {
		return nil, apperrors.BusinessLogic("orchestrator is shutting down")
	}
	if _, err := o.tasks.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	conv := newConversation(taskID, systemPrompt)
	o.mu.Lock()
	o.conversations[taskID] = conv
	o.mu.Unlock()

	o.logger.Info("conversation created",
		zap.String("task_id", taskID),
		zap.Bool("has_system_prompt", systemPrompt != ""))
	return conv.summary(), nil
}

// Send runs one blocking generation for a task and returns the full reply.
// The user turn and the reply are recorded as task messages on success.
func (o *Orchestrator) Send(ctx context.Context, taskID, message, role string, metadata map[string]interface{}) (*SendResult, error) {
	if o.stopped.Load() {
		return nil, apperrors.BusinessLogic("orchestrator is shutting down")
	}
	role, err := normalizeSend(message, role)
	if err != nil {
		return nil, err
	}

	unlock := o.lockTask(taskID)
	defer unlock()

	if err := o.checkTask(ctx, taskID); err != nil {
		return nil, err
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBusinessLogic, "send cancelled while waiting for capacity", err)
	}
	defer o.sem.Release(1)

	conv := o.conversationFor(taskID)
	conv.append(role, message, metadata)
	if dropped := conv.optimize(o.windowBudget()); dropped > 0 {
		o.logger.Debug("conversation window optimized",
			zap.String("task_id", taskID),
			zap.Int("dropped_entries", dropped))
	}
	req := conv.request()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registerInflight(taskID, cancel)
	defer o.clearInflight(taskID)

	resp, err := o.generateWithRetry(sendCtx, taskID, req)
	if err != nil {
		return nil, err
	}

	conv.append(RoleAssistant, resp.Content, nil)
	o.record(ctx, taskID, role, message, resp.Content)
	o.publishConversation(ctx, events.ConversationComplete, map[string]interface{}{
		"task_id":      taskID,
		"user_message": message,
		"ai_response":  resp.Content,
		"model":        resp.Model,
		"total_tokens": resp.Usage.TotalTokens,
	})

	return &SendResult{
		UserMessage: message,
		AIResponse:  resp.Content,
		Model:       resp.Model,
		Usage:       resp.Usage,
		Summary:     conv.summary(),
	}, nil
}

// Stream runs one streaming generation. The returned channel is a finite
// single-consumer sequence that closes at end-of-stream; a mid-stream
// failure delivers one Err chunk first and discards the partial reply.
// Streams never retry.
func (o *Orchestrator) Stream(ctx context.Context, taskID, message, role string, metadata map[string]interface{}) (<-chan gemini.Chunk, error) {
	if o.stopped.Load() {
		return nil, apperrors.BusinessLogic("orchestrator is shutting down")
	}
	role, err := normalizeSend(message, role)
	if err != nil {
		return nil, err
	}

	unlock := o.lockTask(taskID)
	started := false
	defer func() {
		if !started {
			unlock()
		}
	}()

	if err := o.checkTask(ctx, taskID); err != nil {
		return nil, err
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBusinessLogic, "stream cancelled while waiting for capacity", err)
	}
	defer func() {
		if !started {
			o.sem.Release(1)
		}
	}()

	conv := o.conversationFor(taskID)
	conv.append(role, message, metadata)
	conv.optimize(o.windowBudget())
	req := conv.request()

	sendCtx, cancel := context.WithCancel(ctx)
	o.registerInflight(taskID, cancel)
	defer func() {
		if !started {
			o.clearInflight(taskID)
			cancel()
		}
	}()

	in, err := o.capability.StreamGenerate(sendCtx, req)
	if err != nil {
		return nil, err
	}

	o.publishConversation(ctx, events.ConversationStreamStart, map[string]interface{}{
		"task_id": taskID,
		"model":   o.cfg.Model,
	})

	out := make(chan gemini.Chunk, 16)
	started = true
	go o.relayStream(sendCtx, taskID, role, message, conv, in, out, func() {
		o.clearInflight(taskID)
		cancel()
		o.sem.Release(1)
		unlock()
	})
	return out, nil
}

// relayStream forwards chunks to the consumer, accumulates the reply, and
// settles the stream outcome: append + record on success, discard on failure
// or cancel. Holds the task's send slot until done.
func (o *Orchestrator) relayStream(ctx context.Context, taskID, role, message string, conv *conversation, in <-chan gemini.Chunk, out chan<- gemini.Chunk, release func()) {
	defer release()
	defer close(out)

	deliver := func(c gemini.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var full strings.Builder
	chunks := 0
	var streamErr error

	for chunk := range in {
		if chunk.Err != nil {
			streamErr = chunk.Err
			deliver(chunk)
			break
		}
		full.WriteString(chunk.Text)
		chunks++
		if !deliver(chunk) {
			break
		}
		o.publishConversation(ctx, events.ConversationStreamChunk, map[string]interface{}{
			"task_id": taskID,
			"chunk":   chunk.Text,
			"index":   chunks - 1,
		})
	}

	endData := map[string]interface{}{
		"task_id": taskID,
		"length":  full.Len(),
		"chunks":  chunks,
	}

	switch {
	case ctx.Err() != nil:
		endData["status"] = "cancelled"
		o.logger.Info("stream cancelled",
			zap.String("task_id", taskID),
			zap.Int("chunks", chunks))
	case streamErr != nil:
		endData["status"] = "failed"
		endData["error"] = streamErr.Error()
		o.logger.Warn("stream failed",
			zap.String("task_id", taskID),
			zap.Int("chunks", chunks),
			zap.Error(streamErr))
	default:
		reply := full.String()
		conv.append(RoleAssistant, reply, nil)

		// The consumer may disconnect right as the stream ends; recording
		// must not depend on the request context surviving.
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		o.record(persistCtx, taskID, role, message, reply)
		cancel()

		endData["status"] = "completed"
		endData["full_response"] = reply
	}

	o.publishConversation(context.Background(), events.ConversationStreamEnd, endData)
}

// Clear drops a task's conversation context. Reports whether one existed.
func (o *Orchestrator) Clear(taskID string) bool {
	o.mu.Lock()
	_, ok := o.conversations[taskID]
	delete(o.conversations, taskID)
	o.mu.Unlock()

	if ok {
		o.logger.Debug("conversation cleared", zap.String("task_id", taskID))
	}
	return ok
}

// Summary returns the current conversation view for a task.
func (o *Orchestrator) Summary(taskID string) (*ConversationSummary, error) {
	o.mu.Lock()
	conv, ok := o.conversations[taskID]
	o.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("conversation", taskID)
	}
	return conv.summary(), nil
}

// CancelSend cancels the task's in-flight send, if any, suppressing further
// retries. Implements the task engine's send-canceler hook.
func (o *Orchestrator) CancelSend(taskID string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Health reports orchestrator state.
func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	conversations := len(o.conversations)
	inflight := len(o.inflight)
	o.mu.Unlock()

	return Health{
		Running:             !o.stopped.Load(),
		Model:               o.cfg.Model,
		ActiveConversations: conversations,
		InFlightSends:       inflight,
	}
}

// Stop rejects new sends, cancels in-flight ones, and detaches from the bus.
func (o *Orchestrator) Stop() {
	if o.stopped.Swap(true) {
		return
	}
	if o.sub != nil {
		_ = o.sub.Unsubscribe()
	}

	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.inflight))
	for _, cancel := range o.inflight {
		cancels = append(cancels, cancel)
	}
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	o.logger.Info("conversation orchestrator stopped",
		zap.Int("cancelled_sends", len(cancels)))
}

// onTaskTerminated evicts the conversation and cancels the in-flight send
// when a task reaches a terminal state.
func (o *Orchestrator) onTaskTerminated(ctx context.Context, event *bus.Event) error {
	taskID := events.TaskID(event.Data)
	if taskID == "" {
		return nil
	}

	cancelled := o.CancelSend(taskID)

	o.mu.Lock()
	_, evicted := o.conversations[taskID]
	delete(o.conversations, taskID)
	o.mu.Unlock()

	if cancelled || evicted {
		o.logger.Debug("conversation evicted after task terminated",
			zap.String("task_id", taskID),
			zap.Bool("send_cancelled", cancelled))
	}
	return nil
}

// generateWithRetry runs attempts with per-attempt timeouts and exponential
// backoff. Cancellation of ctx suppresses further attempts immediately.
func (o *Orchestrator) generateWithRetry(ctx context.Context, taskID string, req *gemini.Request) (*gemini.Response, error) {
	attempts := o.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.TimeoutDuration())
		resp, err := o.capability.Generate(attemptCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			o.logger.Info("send cancelled",
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt))
			return nil, apperrors.Wrap(apperrors.CodeBusinessLogic, "send cancelled", ctx.Err())
		}

		o.logger.Warn("generation attempt failed",
			zap.String("task_id", taskID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))

		if attempt == attempts {
			break
		}
		if err := o.sleep(ctx, backoffDelay(attempt)); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeBusinessLogic, "send cancelled", err)
		}
	}

	var appErr *apperrors.Error
	if errors.As(lastErr, &appErr) {
		return nil, lastErr
	}
	return nil, apperrors.ExternalService(fmt.Sprintf("generation failed after %d attempts", attempts), lastErr)
}

// record persists the user turn and the assistant reply as task messages.
// Failures are logged, not surfaced: the reply was already produced.
func (o *Orchestrator) record(ctx context.Context, taskID, role, message, reply string) {
	if o.tasks == nil {
		return
	}
	if _, err := o.tasks.AppendMessage(ctx, taskID, senderFor(role), message, "", ""); err != nil {
		o.logger.Warn("failed to record user turn",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	if _, err := o.tasks.AppendMessage(ctx, taskID, models.SenderGemini, reply, "", ""); err != nil {
		o.logger.Warn("failed to record assistant reply",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// conversationFor returns the task's conversation, creating an empty one on
// first send.
func (o *Orchestrator) conversationFor(taskID string) *conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	conv, ok := o.conversations[taskID]
	if !ok {
		conv = newConversation(taskID, "")
		o.conversations[taskID] = conv
	}
	return conv
}

// checkTask verifies the task exists and has not finished.
func (o *Orchestrator) checkTask(ctx context.Context, taskID string) error {
	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return apperrors.BusinessLogicf("task already finished with status %s", task.Status)
	}
	return nil
}

func (o *Orchestrator) windowBudget() int {
	return o.cfg.ContextWindow - o.cfg.MaxTokens
}

func (o *Orchestrator) lockTask(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (o *Orchestrator) registerInflight(taskID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.inflight[taskID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) clearInflight(taskID string) {
	o.mu.Lock()
	delete(o.inflight, taskID)
	o.mu.Unlock()
}

func (o *Orchestrator) publishConversation(ctx context.Context, eventType string, data map[string]interface{}) {
	if o.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "gemini-orchestrator", data)
	if err := o.eventBus.Publish(ctx, eventType, event); err != nil {
		o.logger.Error("failed to publish conversation event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// normalizeSend validates the message and resolves the role, defaulting to
// user.
func normalizeSend(message, role string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", apperrors.Validation("message is required")
	}
	if utf8.RuneCountInString(message) > models.MessageMaxLen {
		return "", apperrors.Validationf("message must be at most %d characters", models.MessageMaxLen)
	}
	switch role {
	case "":
		return RoleUser, nil
	case RoleUser, RoleAssistant, RoleSystem:
		return role, nil
	default:
		return "", apperrors.Validationf("invalid role: %s (must be one of: user, assistant, system)", role)
	}
}

func senderFor(role string) models.MessageSender {
	switch role {
	case RoleSystem:
		return models.SenderSystem
	case RoleAssistant:
		return models.SenderGemini
	default:
		return models.SenderUser
	}
}

// backoffDelay returns min(2^attempt, 30) seconds for a 1-based attempt.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
