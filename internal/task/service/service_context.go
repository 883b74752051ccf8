package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/repository"
)

// Limits on per-agent context bags.
const (
	AgentNameMaxLen    = 100
	ContextBagMaxBytes = 5 * 1024
)

// MessagePage is one page of a task's message history.
type MessagePage struct {
	Messages []*models.Message `json:"messages"`
	Total    int               `json:"total"`
	Skip     int               `json:"skip"`
	Limit    int               `json:"limit"`
	HasNext  bool              `json:"has_next"`
	HasPrev  bool              `json:"has_prev"`
}

// GetAIContext returns the context bag stored for an agent. A missing bag
// reads as empty.
func (s *Service) GetAIContext(ctx context.Context, id, agent string) (map[string]interface{}, error) {
	if err := validateAgentName(agent); err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	bag, ok := task.AIContexts[agent]
	if !ok {
		return map[string]interface{}{}, nil
	}
	return bag, nil
}

// UpdateAIContext replaces the context bag stored for an agent,
// last-write-wins. Allowed on terminal tasks so agents can flush their
// final state.
func (s *Service) UpdateAIContext(ctx context.Context, id, agent string, bag map[string]interface{}) (*models.Task, error) {
	if err := validateContextBag(agent, bag); err != nil {
		return nil, err
	}

	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.AIContexts == nil {
		task.AIContexts = models.AIContexts{}
	}
	task.AIContexts[agent] = bag
	task.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, notFound(err, id)
	}

	s.logger.Debug("ai context updated",
		zap.String("task_id", id),
		zap.String("agent", agent))

	return task, nil
}

// AppendMessage records a conversation entry under a task and announces it
// on the bus. Once a task is finished only system messages are accepted.
func (s *Service) AppendMessage(ctx context.Context, id string, sender models.MessageSender, content, relatedFile, createdBy string) (*models.Message, error) {
	if !sender.Valid() {
		return nil, apperrors.Validationf("invalid sender: %s", sender)
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.Validation("content is required")
	}
	if len([]rune(content)) > models.MessageMaxLen {
		return nil, apperrors.Validationf("content must be at most %d characters", models.MessageMaxLen)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() && sender != models.SenderSystem {
		return nil, apperrors.BusinessLogicf("task finished with status %s no longer accepts %s messages", task.Status, sender)
	}
	if createdBy == "" {
		createdBy = string(sender)
	}

	msg := &models.Message{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		Sender:      sender,
		Content:     content,
		RelatedFile: relatedFile,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, apperrors.Database("failed to store message", err)
	}

	s.publishMessageEvent(ctx, msg)

	return msg, nil
}

// ListTaskMessages returns one page of a task's messages, oldest first
// unless sort is "desc".
func (s *Service) ListTaskMessages(ctx context.Context, id string, skip, limit int, sort string) (*MessagePage, error) {
	switch sort {
	case "", "asc", "desc":
	default:
		return nil, apperrors.Validationf("invalid sort: %s", sort)
	}
	if skip < 0 {
		return nil, apperrors.Validation("skip must not be negative")
	}
	if limit < 0 {
		return nil, apperrors.Validation("limit must not be negative")
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}

	messages, err := s.repo.ListMessages(ctx, id, repository.ListMessagesOptions{
		Skip:  skip,
		Limit: limit,
		Sort:  sort,
	})
	if err != nil {
		return nil, apperrors.Database("failed to list messages", err)
	}
	total, err := s.repo.CountMessages(ctx, id)
	if err != nil {
		return nil, apperrors.Database("failed to count messages", err)
	}

	return &MessagePage{
		Messages: messages,
		Total:    total,
		Skip:     skip,
		Limit:    limit,
		HasNext:  skip+len(messages) < total,
		HasPrev:  skip > 0,
	}, nil
}

func validateAgentName(agent string) error {
	if strings.TrimSpace(agent) == "" {
		return apperrors.Validation("agent name is required")
	}
	if len(agent) > AgentNameMaxLen {
		return apperrors.Validationf("agent name must be at most %d characters", AgentNameMaxLen)
	}
	return nil
}

func validateContextBag(agent string, bag map[string]interface{}) error {
	if err := validateAgentName(agent); err != nil {
		return err
	}
	raw, err := json.Marshal(bag)
	if err != nil {
		return apperrors.Validation("context bag is not serializable")
	}
	if len(raw) > ContextBagMaxBytes {
		return apperrors.Validationf("context bag must serialize to at most %d bytes", ContextBagMaxBytes)
	}
	return nil
}
