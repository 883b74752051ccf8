// Package service implements the task state engine. It is the sole mutator
// of persisted task fields: handlers, the orchestrator, and the broker all
// go through it, and every accepted mutation is followed by an event on the
// bus so socket clients stay current.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/repository"
)

// CommandCanceler cancels a task's queued and in-flight connector commands.
// Implemented by the cursor broker; wired in main after both exist.
type CommandCanceler interface {
	CancelTaskCommands(ctx context.Context, taskID, reason string) int
}

// SendCanceler aborts a task's in-flight LLM send, if any. Implemented by
// the gemini orchestrator.
type SendCanceler interface {
	CancelSend(taskID string) bool
}

// Service coordinates task lifecycle, per-agent context, and messages on top
// of the repository.
type Service struct {
	repo     repository.Repository
	eventBus bus.EventBus
	logger   *logger.Logger
	cfg      config.TaskConfig

	commandCanceler CommandCanceler
	sendCanceler    SendCanceler

	// locks serializes mutations per task id so a terminal status is
	// written exactly once even under concurrent lifecycle calls.
	locks sync.Map

	janitorStop chan struct{}
	janitorWG   sync.WaitGroup
	janitorMu   sync.Mutex
}

// NewService creates a task service.
func NewService(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger, cfg config.TaskConfig) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		logger:   log,
		cfg:      cfg,
	}
}

// SetCommandCanceler wires the connector broker so terminal transitions can
// cancel outstanding commands. May be left unset in tests.
func (s *Service) SetCommandCanceler(c CommandCanceler) {
	s.commandCanceler = c
}

// SetSendCanceler wires the orchestrator so terminal transitions can abort
// an in-flight LLM send.
func (s *Service) SetSendCanceler(c SendCanceler) {
	s.sendCanceler = c
}

// lockTask takes the per-task mutation lock and returns the unlock func.
func (s *Service) lockTask(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// notFound maps the repository sentinel onto the API error taxonomy.
func notFound(err error, id string) error {
	if errors.Is(err, repository.ErrTaskNotFound) {
		return apperrors.NotFound("task", id)
	}
	return apperrors.Database("task lookup failed", err)
}
