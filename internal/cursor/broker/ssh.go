package broker

import (
	"context"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/transport"
)

const (
	sshContextIDMaxLen = 100
	defaultSSHPort     = 22
)

var sshContextIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// SSHContext describes a remote workspace the connector can bind a command
// to. Commands snapshot the context at enqueue time; later edits or deletes
// do not affect commands already holding a copy.
type SSHContext struct {
	ID               string            `json:"id"`
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	Username         string            `json:"username"`
	KeyPath          string            `json:"key_path,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	IsActive         bool              `json:"is_active"`
	LastVerified     *time.Time        `json:"last_verified,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *SSHContext) Clone() *SSHContext {
	if s == nil {
		return nil
	}
	cp := *s
	if s.LastVerified != nil {
		ts := *s.LastVerified
		cp.LastVerified = &ts
	}
	if s.Env != nil {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		cp.Env = env
	}
	return &cp
}

// transportContext converts the registry entry into its wire shape.
func (s *SSHContext) transportContext() *transport.SSHContext {
	if s == nil {
		return nil
	}
	cp := s.Clone()
	return &transport.SSHContext{
		Host:             cp.Host,
		Port:             cp.Port,
		Username:         cp.Username,
		KeyPath:          cp.KeyPath,
		WorkingDirectory: cp.WorkingDirectory,
		Env:              cp.Env,
	}
}

// CreateSSHContextRequest carries the fields for registering a context.
// Port distinguishes absent (default 22) from an explicit zero, which is
// rejected.
type CreateSSHContextRequest struct {
	ID               string            `json:"id"`
	Host             string            `json:"host"`
	Port             *int              `json:"port"`
	Username         string            `json:"username"`
	KeyPath          string            `json:"key_path"`
	WorkingDirectory string            `json:"working_directory"`
	Env              map[string]string `json:"env"`
	IsActive         *bool             `json:"is_active"`
}

// UpdateSSHContextRequest is a partial update; nil fields are untouched.
type UpdateSSHContextRequest struct {
	Host             *string           `json:"host"`
	Port             *int              `json:"port"`
	Username         *string           `json:"username"`
	KeyPath          *string           `json:"key_path"`
	WorkingDirectory *string           `json:"working_directory"`
	Env              map[string]string `json:"env"`
	IsActive         *bool             `json:"is_active"`
}

func validateSSHContextID(id string) error {
	if id == "" {
		return apperrors.Validation("ssh context id is required")
	}
	if len(id) > sshContextIDMaxLen {
		return apperrors.Validationf("ssh context id must be at most %d characters", sshContextIDMaxLen)
	}
	if !sshContextIDPattern.MatchString(id) {
		return apperrors.Validation("ssh context id may only contain letters, digits, hyphens and underscores")
	}
	return nil
}

func validateSSHPort(port int) error {
	if port < 1 || port > 65535 {
		return apperrors.Validationf("ssh port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// CreateSSHContext registers a new context.
func (b *Broker) CreateSSHContext(req CreateSSHContextRequest) (*SSHContext, error) {
	if err := b.requireSSH(); err != nil {
		return nil, err
	}
	if err := validateSSHContextID(req.ID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Host) == "" {
		return nil, apperrors.Validation("ssh host is required")
	}
	if strings.TrimSpace(req.Username) == "" {
		return nil, apperrors.Validation("ssh username is required")
	}
	port := defaultSSHPort
	if req.Port != nil {
		port = *req.Port
		if err := validateSSHPort(port); err != nil {
			return nil, err
		}
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	now := time.Now().UTC()
	ctx := &SSHContext{
		ID:               req.ID,
		Host:             req.Host,
		Port:             port,
		Username:         req.Username,
		KeyPath:          req.KeyPath,
		WorkingDirectory: req.WorkingDirectory,
		Env:              req.Env,
		IsActive:         active,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	b.sshMu.Lock()
	defer b.sshMu.Unlock()
	if _, ok := b.sshContexts[ctx.ID]; ok {
		return nil, apperrors.Duplicate("ssh context", ctx.ID)
	}
	b.sshContexts[ctx.ID] = ctx
	b.logger.Info("ssh context created", zap.String("ssh_context_id", ctx.ID), zap.String("host", ctx.Host))
	return ctx.Clone(), nil
}

// GetSSHContext returns a context by id.
func (b *Broker) GetSSHContext(id string) (*SSHContext, error) {
	b.sshMu.RLock()
	defer b.sshMu.RUnlock()
	ctx, ok := b.sshContexts[id]
	if !ok {
		return nil, apperrors.NotFound("ssh context", id)
	}
	return ctx.Clone(), nil
}

// ListSSHContexts returns all contexts ordered by id.
func (b *Broker) ListSSHContexts() []*SSHContext {
	b.sshMu.RLock()
	defer b.sshMu.RUnlock()
	out := make([]*SSHContext, 0, len(b.sshContexts))
	for _, ctx := range b.sshContexts {
		out = append(out, ctx.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateSSHContext applies a partial update.
func (b *Broker) UpdateSSHContext(id string, req UpdateSSHContextRequest) (*SSHContext, error) {
	if err := b.requireSSH(); err != nil {
		return nil, err
	}
	b.sshMu.Lock()
	defer b.sshMu.Unlock()
	ctx, ok := b.sshContexts[id]
	if !ok {
		return nil, apperrors.NotFound("ssh context", id)
	}
	if req.Host != nil {
		if strings.TrimSpace(*req.Host) == "" {
			return nil, apperrors.Validation("ssh host is required")
		}
		ctx.Host = *req.Host
	}
	if req.Port != nil {
		if err := validateSSHPort(*req.Port); err != nil {
			return nil, err
		}
		ctx.Port = *req.Port
	}
	if req.Username != nil {
		if strings.TrimSpace(*req.Username) == "" {
			return nil, apperrors.Validation("ssh username is required")
		}
		ctx.Username = *req.Username
	}
	if req.KeyPath != nil {
		ctx.KeyPath = *req.KeyPath
	}
	if req.WorkingDirectory != nil {
		ctx.WorkingDirectory = *req.WorkingDirectory
	}
	if req.Env != nil {
		ctx.Env = req.Env
	}
	if req.IsActive != nil {
		ctx.IsActive = *req.IsActive
	}
	ctx.UpdatedAt = time.Now().UTC()
	b.logger.Info("ssh context updated", zap.String("ssh_context_id", ctx.ID))
	return ctx.Clone(), nil
}

// DeleteSSHContext removes a context. Commands that already snapshotted it
// keep their copy.
func (b *Broker) DeleteSSHContext(id string) error {
	if err := b.requireSSH(); err != nil {
		return err
	}
	b.sshMu.Lock()
	defer b.sshMu.Unlock()
	if _, ok := b.sshContexts[id]; !ok {
		return apperrors.NotFound("ssh context", id)
	}
	delete(b.sshContexts, id)
	b.logger.Info("ssh context deleted", zap.String("ssh_context_id", id))
	return nil
}

// VerifySSHContext probes the connector link and stamps last_verified on
// success. The hub cannot reach the SSH host itself; reachability of the
// workspace is the connector's concern.
func (b *Broker) VerifySSHContext(ctx context.Context, id string) (*SSHContext, error) {
	if err := b.requireSSH(); err != nil {
		return nil, err
	}
	b.sshMu.RLock()
	_, ok := b.sshContexts[id]
	b.sshMu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("ssh context", id)
	}

	if err := b.transport.Ping(ctx); err != nil {
		return nil, apperrors.ExternalService("connector unreachable", err).WithDetail("ssh_context_id", id)
	}

	b.sshMu.Lock()
	defer b.sshMu.Unlock()
	sc, ok := b.sshContexts[id]
	if !ok {
		return nil, apperrors.NotFound("ssh context", id)
	}
	now := time.Now().UTC()
	sc.LastVerified = &now
	sc.UpdatedAt = now
	b.logger.Info("ssh context verified", zap.String("ssh_context_id", id))
	return sc.Clone(), nil
}

func (b *Broker) requireSSH() error {
	if !b.cfg.SSHEnabled {
		return apperrors.BusinessLogic("ssh support is disabled")
	}
	return nil
}

type sshSeedEntry struct {
	ID               string            `yaml:"id"`
	Host             string            `yaml:"host"`
	Port             *int              `yaml:"port"`
	Username         string            `yaml:"username"`
	KeyPath          string            `yaml:"key_path"`
	WorkingDirectory string            `yaml:"working_directory"`
	Env              map[string]string `yaml:"env"`
	IsActive         *bool             `yaml:"is_active"`
}

type sshSeedFile struct {
	Contexts []sshSeedEntry `yaml:"contexts"`
}

// loadSSHContexts seeds the registry from the configured YAML file. Invalid
// entries are skipped with a warning so one bad row does not block startup.
func (b *Broker) loadSSHContexts(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed sshSeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return err
	}
	loaded := 0
	for _, entry := range seed.Contexts {
		req := CreateSSHContextRequest{
			ID:               entry.ID,
			Host:             entry.Host,
			Port:             entry.Port,
			Username:         entry.Username,
			KeyPath:          entry.KeyPath,
			WorkingDirectory: entry.WorkingDirectory,
			Env:              entry.Env,
			IsActive:         entry.IsActive,
		}
		if _, err := b.CreateSSHContext(req); err != nil {
			b.logger.Warn("skipping ssh context from seed file", zap.String("ssh_context_id", entry.ID), zap.Error(err))
			continue
		}
		loaded++
	}
	b.logger.Info("ssh contexts loaded", zap.String("path", path), zap.Int("count", loaded))
	return nil
}
