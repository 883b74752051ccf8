package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/cursor/transport"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/events/bus"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/repository"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/service"
)

// recordingBus captures published events synchronously so tests can assert
// on them without racing a drain goroutine.
type recordingBus struct {
	mu     sync.Mutex
	events []*bus.Event
}

func newRecordingBus() *recordingBus { return &recordingBus{} }

func (r *recordingBus) Publish(_ context.Context, _ string, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingBus) Subscribe(string, bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (r *recordingBus) Close() {}

func (r *recordingBus) IsConnected() bool { return true }

func (r *recordingBus) ofType(eventType string) []*bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bus.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// sleepRecorder replaces the broker's backoff sleep so retries run
// instantly while the requested delays stay observable.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

type brokerFixture struct {
	broker   *Broker
	mock     *transport.Mock
	svc      *service.Service
	recorder *recordingBus
	sleeps   *sleepRecorder
}

func brokerTestConfig() config.ConnectorConfig {
	return config.ConnectorConfig{
		Enabled:           true,
		Host:              "localhost",
		Port:              8765,
		ConnectTimeout:    1,
		CommandTimeout:    5,
		MaxRetries:        3,
		HeartbeatInterval: 30,
		QueueMaxSize:      10,
		SSHEnabled:        true,
		RetentionWindow:   600,
	}
}

// newBareFixture builds a broker without starting its loops, for tests that
// drive the internals directly.
func newBareFixture(t *testing.T, mutate func(*config.ConnectorConfig)) *brokerFixture {
	t.Helper()

	cfg := brokerTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := repository.NewMemory()
	recorder := newRecordingBus()
	svc := service.NewService(repo, recorder, log, config.TaskConfig{
		MaxDuration:     3600,
		CleanupInterval: 300,
		MaxConcurrent:   10,
		RetryAttempts:   3,
	})

	mock := transport.NewMock()
	b := New(cfg, mock, svc, recorder, log)
	svc.SetCommandCanceler(b)

	sleeps := &sleepRecorder{}
	b.sleep = sleeps.sleep
	b.connectPoll = 5 * time.Millisecond
	b.maintenanceInterval = 10 * time.Millisecond
	b.grace = 20 * time.Millisecond

	return &brokerFixture{broker: b, mock: mock, svc: svc, recorder: recorder, sleeps: sleeps}
}

func newFixture(t *testing.T, mutate func(*config.ConnectorConfig)) *brokerFixture {
	t.Helper()
	f := newBareFixture(t, mutate)
	f.broker.Start()
	t.Cleanup(f.broker.Stop)
	return f
}

func (f *brokerFixture) createTask(t *testing.T) *models.Task {
	t.Helper()
	task, err := f.svc.CreateTask(context.Background(), &service.CreateTaskRequest{Title: "connector work"})
	require.NoError(t, err)
	return task
}

func (f *brokerFixture) enqueue(t *testing.T, taskID string, mutate func(*EnqueueRequest)) *EnqueueResult {
	t.Helper()
	req := EnqueueRequest{TaskID: taskID, Type: CommandPrompt, Content: "open main.go"}
	if mutate != nil {
		mutate(&req)
	}
	res, err := f.broker.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (f *brokerFixture) waitStatus(t *testing.T, id string, status CommandStatus) *Command {
	t.Helper()
	var cmd *Command
	require.Eventually(t, func() bool {
		c, err := f.broker.GetCommand(id)
		if err != nil {
			return false
		}
		cmd = c
		return c.Status == status
	}, 3*time.Second, 5*time.Millisecond, "command %s never reached %s", id, status)
	return cmd
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	oversize := strings.Repeat("x", maxContentLen+1)
	bigMeta := map[string]interface{}{"blob": strings.Repeat("y", maxMetadataBytes)}

	cases := []struct {
		name string
		req  EnqueueRequest
		code apperrors.Code
	}{
		{"missing task id", EnqueueRequest{Type: CommandPrompt, Content: "x"}, apperrors.CodeValidation},
		{"unknown type", EnqueueRequest{TaskID: task.ID, Type: "reboot", Content: "x"}, apperrors.CodeValidation},
		{"empty content", EnqueueRequest{TaskID: task.ID, Type: CommandPrompt}, apperrors.CodeValidation},
		{"oversize content", EnqueueRequest{TaskID: task.ID, Type: CommandPrompt, Content: oversize}, apperrors.CodeValidation},
		{"timeout below range", EnqueueRequest{TaskID: task.ID, Type: CommandPrompt, Content: "x", TimeoutSeconds: -1}, apperrors.CodeValidation},
		{"timeout above range", EnqueueRequest{TaskID: task.ID, Type: CommandPrompt, Content: "x", TimeoutSeconds: 3601}, apperrors.CodeValidation},
		{"oversize metadata", EnqueueRequest{TaskID: task.ID, Type: CommandPrompt, Content: "x", Metadata: bigMeta}, apperrors.CodeValidation},
		{"unknown task", EnqueueRequest{TaskID: "no-such-task", Type: CommandPrompt, Content: "x"}, apperrors.CodeNotFound},
		{"unknown ssh context", EnqueueRequest{TaskID: task.ID, Type: CommandPrompt, Content: "x", SSHContextID: "ghost"}, apperrors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.broker.Enqueue(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperrors.CodeOf(err))
		})
	}

	t.Run("content at limit accepted", func(t *testing.T) {
		res, err := f.broker.Enqueue(context.Background(), EnqueueRequest{
			TaskID:  task.ID,
			Type:    CommandPrompt,
			Content: strings.Repeat("x", maxContentLen),
		})
		require.NoError(t, err)
		f.waitStatus(t, res.Command.ID, StatusCompleted)
	})
}

func TestQueueFullBoundary(t *testing.T) {
	f := newFixture(t, func(c *config.ConnectorConfig) { c.QueueMaxSize = 2 })
	f.mock.SetConnected(false)
	task := f.createTask(t)

	f.enqueue(t, task.ID, nil)
	f.enqueue(t, task.ID, nil)

	_, err := f.broker.Enqueue(context.Background(), EnqueueRequest{TaskID: task.ID, Type: CommandPrompt, Content: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBusinessLogic, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, ErrQueueFull)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 2, appErr.Details["queue_size"])
	assert.Equal(t, 2, appErr.Details["queue_max_size"])
}

func TestCommandHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	res := f.enqueue(t, task.ID, func(r *EnqueueRequest) {
		r.Metadata = map[string]interface{}{"file": "main.go"}
	})
	require.Equal(t, StatusQueued, res.Command.Status)
	require.Equal(t, 1, res.QueuePosition)

	cmd := f.waitStatus(t, res.Command.ID, StatusCompleted)
	assert.Equal(t, "ok", cmd.Response)
	assert.Empty(t, cmd.Error)
	assert.Equal(t, 0, cmd.RetryCount)
	require.NotNil(t, cmd.StartedAt)
	require.NotNil(t, cmd.CompletedAt)

	require.Equal(t, 1, f.mock.SentCount())
	sent := f.mock.Sent()[0]
	assert.Equal(t, res.Command.ID, sent.CommandID)
	assert.Equal(t, task.ID, sent.TaskID)
	assert.Equal(t, "prompt", sent.Type)
	assert.Equal(t, "open main.go", sent.Content)
	assert.Equal(t, 5, sent.TimeoutSeconds)
	assert.Equal(t, "main.go", sent.Metadata["file"])

	require.Eventually(t, func() bool {
		return len(f.recorder.ofType(events.CommandTerminal)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, f.recorder.ofType(events.CommandQueued), 1)
	statuses := f.recorder.ofType(events.CommandStatus)
	require.NotEmpty(t, statuses)
	assert.Equal(t, "running", statuses[0].Data["status"])

	terminal := f.recorder.ofType(events.CommandTerminal)[0]
	assert.Equal(t, "completed", terminal.Data["status"])
	assert.Equal(t, res.Command.ID, events.CommandID(terminal.Data))
}

func TestCommandsDispatchInOrder(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	f.mock.SetConnected(false)
	first := f.enqueue(t, task.ID, func(r *EnqueueRequest) { r.Content = "first" })
	second := f.enqueue(t, task.ID, func(r *EnqueueRequest) { r.Content = "second" })
	third := f.enqueue(t, task.ID, func(r *EnqueueRequest) { r.Content = "third" })

	assert.Equal(t, 1, first.QueuePosition)
	assert.Equal(t, 2, second.QueuePosition)
	assert.Equal(t, 3, third.QueuePosition)
	assert.Equal(t, 3, f.broker.QueuePosition(third.Command.ID))

	f.mock.SetConnected(true)
	f.waitStatus(t, third.Command.ID, StatusCompleted)

	sent := f.mock.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "first", sent[0].Content)
	assert.Equal(t, "second", sent[1].Content)
	assert.Equal(t, "third", sent[2].Content)
}

func TestDispatcherWaitsForConnection(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	f.mock.SetConnected(false)
	res := f.enqueue(t, task.ID, nil)

	assert.Never(t, func() bool { return f.mock.SentCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	cmd, err := f.broker.GetCommand(res.Command.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, cmd.Status)

	f.mock.SetConnected(true)
	f.waitStatus(t, res.Command.ID, StatusCompleted)

	statuses := f.recorder.ofType(events.ConnectorStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, false, statuses[0].Data["connected"])
	assert.Equal(t, true, statuses[1].Data["connected"])
}

func TestCancelQueuedCommand(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	f.mock.SetConnected(false)
	res := f.enqueue(t, task.ID, nil)

	cancelled, err := f.broker.Cancel(context.Background(), res.Command.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled", cancelled.Error)
	require.NotNil(t, cancelled.CompletedAt)

	again, err := f.broker.Cancel(context.Background(), res.Command.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)

	f.mock.SetConnected(true)
	assert.Never(t, func() bool { return f.mock.SentCount() > 0 }, 50*time.Millisecond, 10*time.Millisecond)

	terminal := f.recorder.ofType(events.CommandTerminal)
	require.Len(t, terminal, 1)
	assert.Equal(t, "cancelled", terminal[0].Data["status"])
}

func TestCancelRunningCommand(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	f.mock.SetHandler(func(ctx context.Context, req *transport.CommandRequest) (*transport.CommandResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := f.enqueue(t, task.ID, nil)
	f.waitStatus(t, res.Command.ID, StatusRunning)

	snap, err := f.broker.Cancel(context.Background(), res.Command.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)

	cmd := f.waitStatus(t, res.Command.ID, StatusCancelled)
	assert.Equal(t, "cancelled", cmd.Error)

	require.Eventually(t, func() bool { return len(f.mock.Aborted()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, res.Command.ID, f.mock.Aborted()[0])
}

func TestCancelFinishedCommandRejected(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	res := f.enqueue(t, task.ID, nil)
	f.waitStatus(t, res.Command.ID, StatusCompleted)

	_, err := f.broker.Cancel(context.Background(), res.Command.ID, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBusinessLogic, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "already finished")

	_, err = f.broker.Cancel(context.Background(), "ghost", "")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestCancelTaskCommands(t *testing.T) {
	f := newFixture(t, nil)
	taskA := f.createTask(t)
	taskB := f.createTask(t)

	f.mock.SetConnected(false)
	a1 := f.enqueue(t, taskA.ID, nil)
	b1 := f.enqueue(t, taskB.ID, nil)
	a2 := f.enqueue(t, taskA.ID, nil)

	n := f.broker.CancelTaskCommands(context.Background(), taskA.ID, "")
	assert.Equal(t, 2, n)

	for _, id := range []string{a1.Command.ID, a2.Command.ID} {
		cmd, err := f.broker.GetCommand(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cmd.Status)
		assert.Equal(t, "task cancelled", cmd.Error)
	}

	cmd, err := f.broker.GetCommand(b1.Command.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, cmd.Status)

	f.mock.SetConnected(true)
	f.waitStatus(t, b1.Command.ID, StatusCompleted)
	assert.Equal(t, 1, f.mock.SentCount())
}

func TestTaskTerminalTransitionCancelsCommands(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	f.mock.SetConnected(false)
	res := f.enqueue(t, task.ID, nil)

	_, err := f.svc.CancelTask(context.Background(), task.ID, "changed my mind")
	require.NoError(t, err)

	cmd, err := f.broker.GetCommand(res.Command.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cmd.Status)
	assert.Equal(t, "task cancelled", cmd.Error)

	_, err = f.broker.Enqueue(context.Background(), EnqueueRequest{TaskID: task.ID, Type: CommandPrompt, Content: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBusinessLogic, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "accepts no commands")
}

func TestRetryBackoffAndExhaustion(t *testing.T) {
	f := newFixture(t, func(c *config.ConnectorConfig) { c.MaxRetries = 2 })
	task := f.createTask(t)

	f.mock.SetHandler(func(ctx context.Context, req *transport.CommandRequest) (*transport.CommandResponse, error) {
		return nil, transport.ErrConnectionLost
	})

	res := f.enqueue(t, task.ID, nil)
	cmd := f.waitStatus(t, res.Command.ID, StatusFailed)

	assert.Equal(t, 2, cmd.RetryCount)
	assert.Contains(t, cmd.Error, "transport failure")
	assert.Equal(t, 3, f.mock.SentCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.sleeps.recorded())
}

func TestTimeoutTerminalOnExhaustion(t *testing.T) {
	f := newFixture(t, func(c *config.ConnectorConfig) {
		c.MaxRetries = 0
		c.CommandTimeout = 1
	})
	task := f.createTask(t)

	f.mock.SetHandler(func(ctx context.Context, req *transport.CommandRequest) (*transport.CommandResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := f.enqueue(t, task.ID, nil)
	cmd := f.waitStatus(t, res.Command.ID, StatusTimeout)

	assert.Equal(t, 0, cmd.RetryCount)
	assert.Contains(t, cmd.Error, "no response within")
	assert.Equal(t, 1, f.mock.SentCount())
	assert.Empty(t, f.sleeps.recorded())
}

func TestConnectorFailureIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	f.mock.SetHandler(func(ctx context.Context, req *transport.CommandRequest) (*transport.CommandResponse, error) {
		return &transport.CommandResponse{CommandID: req.CommandID, Success: false, Error: "file not found", Output: "partial"}, nil
	})

	res := f.enqueue(t, task.ID, nil)
	cmd := f.waitStatus(t, res.Command.ID, StatusFailed)

	assert.Equal(t, "file not found", cmd.Error)
	assert.Equal(t, "partial", cmd.Response)
	assert.Equal(t, 0, cmd.RetryCount)
	assert.Equal(t, 1, f.mock.SentCount())
	assert.Empty(t, f.sleeps.recorded())
}

func TestSSHContextCRUD(t *testing.T) {
	f := newFixture(t, nil)

	created, err := f.broker.CreateSSHContext(CreateSSHContextRequest{
		ID:               "pi-dev",
		Host:             "10.0.0.12",
		Username:         "pi",
		WorkingDirectory: "/home/pi/project",
		Env:              map[string]string{"TERM": "xterm"},
	})
	require.NoError(t, err)
	assert.Equal(t, 22, created.Port)
	assert.True(t, created.IsActive)

	_, err = f.broker.CreateSSHContext(CreateSSHContextRequest{ID: "pi-dev", Host: "x", Username: "y"})
	assert.Equal(t, apperrors.CodeDuplicate, apperrors.CodeOf(err))

	got, err := f.broker.GetSSHContext("pi-dev")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.12", got.Host)

	require.Len(t, f.broker.ListSSHContexts(), 1)

	newHost := "10.0.0.13"
	inactive := false
	updated, err := f.broker.UpdateSSHContext("pi-dev", UpdateSSHContextRequest{Host: &newHost, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.13", updated.Host)
	assert.False(t, updated.IsActive)

	require.NoError(t, f.broker.DeleteSSHContext("pi-dev"))
	_, err = f.broker.GetSSHContext("pi-dev")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(f.broker.DeleteSSHContext("pi-dev")))
}

func TestSSHContextValidation(t *testing.T) {
	f := newFixture(t, nil)

	port := func(p int) *int { return &p }

	cases := []struct {
		name string
		req  CreateSSHContextRequest
	}{
		{"empty id", CreateSSHContextRequest{Host: "h", Username: "u"}},
		{"bad id characters", CreateSSHContextRequest{ID: "pi dev!", Host: "h", Username: "u"}},
		{"id too long", CreateSSHContextRequest{ID: strings.Repeat("a", 101), Host: "h", Username: "u"}},
		{"missing host", CreateSSHContextRequest{ID: "a", Username: "u"}},
		{"missing username", CreateSSHContextRequest{ID: "a", Host: "h"}},
		{"port zero", CreateSSHContextRequest{ID: "a", Host: "h", Username: "u", Port: port(0)}},
		{"port too high", CreateSSHContextRequest{ID: "a", Host: "h", Username: "u", Port: port(65536)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.broker.CreateSSHContext(tc.req)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
		})
	}

	for _, p := range []int{1, 65535} {
		_, err := f.broker.CreateSSHContext(CreateSSHContextRequest{
			ID: fmt.Sprintf("edge-%d", p), Host: "h", Username: "u", Port: port(p),
		})
		require.NoError(t, err)
	}

	_, err := f.broker.CreateSSHContext(CreateSSHContextRequest{
		ID: strings.Repeat("a", 100), Host: "h", Username: "u",
	})
	require.NoError(t, err)
}

func TestSSHDisabledRejectsMutations(t *testing.T) {
	f := newFixture(t, func(c *config.ConnectorConfig) { c.SSHEnabled = false })
	task := f.createTask(t)

	_, err := f.broker.CreateSSHContext(CreateSSHContextRequest{ID: "a", Host: "h", Username: "u"})
	assert.Equal(t, apperrors.CodeBusinessLogic, apperrors.CodeOf(err))

	_, err = f.broker.VerifySSHContext(context.Background(), "a")
	assert.Equal(t, apperrors.CodeBusinessLogic, apperrors.CodeOf(err))

	_, err = f.broker.Enqueue(context.Background(), EnqueueRequest{
		TaskID: task.ID, Type: CommandPrompt, Content: "x", SSHContextID: "a",
	})
	assert.Equal(t, apperrors.CodeBusinessLogic, apperrors.CodeOf(err))

	assert.Empty(t, f.broker.ListSSHContexts())
	assert.False(t, f.broker.Health().SSHEnabled)
}

func TestInactiveSSHContextRejected(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	inactive := false
	_, err := f.broker.CreateSSHContext(CreateSSHContextRequest{
		ID: "cold", Host: "h", Username: "u", IsActive: &inactive,
	})
	require.NoError(t, err)

	_, err = f.broker.Enqueue(context.Background(), EnqueueRequest{
		TaskID: task.ID, Type: CommandPrompt, Content: "x", SSHContextID: "cold",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBusinessLogic, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "inactive")
}

func TestSSHSnapshotImmutability(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	_, err := f.broker.CreateSSHContext(CreateSSHContextRequest{ID: "pi-dev", Host: "10.0.0.12", Username: "pi"})
	require.NoError(t, err)

	f.mock.SetConnected(false)
	res := f.enqueue(t, task.ID, func(r *EnqueueRequest) { r.SSHContextID = "pi-dev" })
	require.NotNil(t, res.Command.SSHContext)
	require.Equal(t, "10.0.0.12", res.Command.SSHContext.Host)

	newHost := "10.9.9.9"
	_, err = f.broker.UpdateSSHContext("pi-dev", UpdateSSHContextRequest{Host: &newHost})
	require.NoError(t, err)
	require.NoError(t, f.broker.DeleteSSHContext("pi-dev"))

	f.mock.SetConnected(true)
	f.waitStatus(t, res.Command.ID, StatusCompleted)

	require.Equal(t, 1, f.mock.SentCount())
	wire := f.mock.Sent()[0].SSHContext
	require.NotNil(t, wire)
	assert.Equal(t, "10.0.0.12", wire.Host)
	assert.Equal(t, "pi", wire.Username)
	assert.Equal(t, 22, wire.Port)
}

func TestVerifySSHContext(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.broker.CreateSSHContext(CreateSSHContextRequest{ID: "pi-dev", Host: "h", Username: "u"})
	require.NoError(t, err)

	verified, err := f.broker.VerifySSHContext(context.Background(), "pi-dev")
	require.NoError(t, err)
	require.NotNil(t, verified.LastVerified)

	f.mock.SetPingErr(errors.New("link busy"))
	_, err = f.broker.VerifySSHContext(context.Background(), "pi-dev")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeExternalService, apperrors.CodeOf(err))

	_, err = f.broker.VerifySSHContext(context.Background(), "ghost")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestSeedContextsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ssh_contexts.yaml")
	seed := `contexts:
  - id: pi-dev
    host: 10.0.0.12
    username: pi
    working_directory: /home/pi/project
  - id: "bad id"
    host: 10.0.0.13
    username: pi
  - id: staging
    host: staging.internal
    port: 2222
    username: deploy
    is_active: false
`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	f := newFixture(t, func(c *config.ConnectorConfig) { c.SSHContextsFile = path })

	list := f.broker.ListSSHContexts()
	require.Len(t, list, 2)
	assert.Equal(t, "pi-dev", list[0].ID)
	assert.Equal(t, 22, list[0].Port)
	assert.Equal(t, "staging", list[1].ID)
	assert.Equal(t, 2222, list[1].Port)
	assert.False(t, list[1].IsActive)
}

func TestHeartbeatHealthTracking(t *testing.T) {
	f := newBareFixture(t, nil)
	f.broker.staleAfter = 30 * time.Millisecond

	h := f.broker.Health()
	assert.False(t, h.HeartbeatHealthy)
	assert.Nil(t, h.LastHeartbeat)

	f.mock.EmitHeartbeat(&transport.Heartbeat{
		Timestamp: time.Now().UTC(),
		Status:    "idle",
		Version:   "0.9.1",
	})

	h = f.broker.Health()
	assert.True(t, h.HeartbeatHealthy)
	require.NotNil(t, h.LastHeartbeat)
	assert.Equal(t, "idle", h.ConnectorStatus)
	assert.Equal(t, "0.9.1", h.ConnectorVersion)

	beats := f.recorder.ofType(events.ConnectorHeartbeat)
	require.Len(t, beats, 1)
	assert.Equal(t, true, beats[0].Data["healthy"])

	// another beat while already healthy publishes nothing
	f.mock.EmitHeartbeat(&transport.Heartbeat{Status: "idle"})
	require.Len(t, f.recorder.ofType(events.ConnectorHeartbeat), 1)

	time.Sleep(40 * time.Millisecond)
	f.broker.checkHeartbeat()

	assert.False(t, f.broker.Health().HeartbeatHealthy)
	beats = f.recorder.ofType(events.ConnectorHeartbeat)
	require.Len(t, beats, 2)
	assert.Equal(t, false, beats[1].Data["healthy"])

	f.mock.EmitHeartbeat(&transport.Heartbeat{Status: "busy"})
	beats = f.recorder.ofType(events.ConnectorHeartbeat)
	require.Len(t, beats, 3)
	assert.Equal(t, true, beats[2].Data["healthy"])
	assert.Equal(t, "busy", f.broker.Health().ConnectorStatus)
}

func TestRetentionReapsExpiredCommands(t *testing.T) {
	f := newBareFixture(t, nil)

	now := time.Now().UTC()
	oldStart := now.Add(-11 * time.Minute)
	oldDone := oldStart.Add(time.Second)
	freshStart := now.Add(-time.Minute)
	freshDone := freshStart.Add(time.Second)

	f.broker.commands["expired"] = &Command{
		ID: "expired", TaskID: "t", Type: CommandPrompt, Status: StatusCompleted,
		CreatedAt: oldStart, StartedAt: &oldStart, CompletedAt: &oldDone,
	}
	f.broker.commands["retained"] = &Command{
		ID: "retained", TaskID: "t", Type: CommandPrompt, Status: StatusCompleted,
		CreatedAt: freshStart, StartedAt: &freshStart, CompletedAt: &freshDone,
	}

	h := f.broker.Health()
	assert.Equal(t, 1, h.ExpiredCommands)
	assert.Equal(t, 1, h.RetainedCommands)

	f.broker.reapExpired()

	_, err := f.broker.GetCommand("expired")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	got, err := f.broker.GetCommand("retained")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	h = f.broker.Health()
	assert.Equal(t, 0, h.ExpiredCommands)
	assert.Equal(t, 1, h.RetainedCommands)
}

func TestStopCancelsOutstandingCommands(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	started := make(chan struct{}, 1)
	f.mock.SetHandler(func(ctx context.Context, req *transport.CommandRequest) (*transport.CommandResponse, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	running := f.enqueue(t, task.ID, func(r *EnqueueRequest) { r.Content = "long job" })
	<-started
	queued := f.enqueue(t, task.ID, func(r *EnqueueRequest) { r.Content = "waiting" })

	f.broker.Stop()

	got, err := f.broker.GetCommand(running.Command.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "shutdown", got.Error)

	got, err = f.broker.GetCommand(queued.Command.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "shutdown", got.Error)

	_, err = f.broker.Enqueue(context.Background(), EnqueueRequest{TaskID: task.ID, Type: CommandPrompt, Content: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBusinessLogic, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "shutting down")
}

func TestHealthSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t)

	_, err := f.broker.CreateSSHContext(CreateSSHContextRequest{ID: "pi-dev", Host: "h", Username: "u"})
	require.NoError(t, err)

	f.mock.SetConnected(false)
	f.enqueue(t, task.ID, nil)
	f.enqueue(t, task.ID, nil)

	h := f.broker.Health()
	assert.False(t, h.Connected)
	assert.Equal(t, 2, h.QueueSize)
	assert.Equal(t, 0, h.ActiveCommands)
	assert.Equal(t, 1, h.SSHContexts)
	assert.True(t, h.SSHEnabled)

	f.mock.SetConnected(true)
	require.Eventually(t, func() bool {
		return f.broker.Health().RetainedCommands == 2
	}, 3*time.Second, 5*time.Millisecond)

	h = f.broker.Health()
	assert.True(t, h.Connected)
	assert.Equal(t, 0, h.QueueSize)
	assert.Equal(t, 0, h.ActiveCommands)
}
