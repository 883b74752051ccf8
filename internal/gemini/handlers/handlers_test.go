package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/gemini/orchestrator"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/models"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/repository"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/task/service"
)

// stubLLM answers with scripted replies or chunk sequences.
type stubLLM struct {
	mu      sync.Mutex
	replies []string
	chunks  []gemini.Chunk
	err     error
}

func (s *stubLLM) Generate(ctx context.Context, req *gemini.Request) (*gemini.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	reply := "ok"
	if len(s.replies) > 0 {
		reply = s.replies[0]
		s.replies = s.replies[1:]
	}
	return &gemini.Response{
		Content: reply,
		Model:   "test-model",
		Usage:   gemini.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

func (s *stubLLM) StreamGenerate(ctx context.Context, req *gemini.Request) (<-chan gemini.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	chunks := s.chunks
	if chunks == nil {
		chunks = []gemini.Chunk{{Text: "ok"}}
	}
	ch := make(chan gemini.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *service.Service, *stubLLM) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	svc := service.NewService(repository.NewMemory(), nil, log, config.TaskConfig{
		MaxDuration:     3600,
		CleanupInterval: 300,
		MaxConcurrent:   10,
		RetryAttempts:   3,
	})

	llm := &stubLLM{}
	orch := orchestrator.NewOrchestrator(llm, svc, nil, log, config.LLMConfig{
		APIKey:        "test-key",
		Model:         "test-model",
		MaxTokens:     100,
		Temperature:   0.7,
		TopP:          0.95,
		TopK:          40,
		MaxRetries:    1,
		Timeout:       5,
		ContextWindow: 8192,
	}, 4)
	t.Cleanup(orch.Stop)

	router := gin.New()
	RegisterGeminiRoutes(router, orch, log)
	return router, svc, llm
}

func createTask(t *testing.T, svc *service.Service) *models.Task {
	t.Helper()
	task, err := svc.CreateTask(context.Background(), &service.CreateTaskRequest{Title: "chat target"})
	require.NoError(t, err)
	return task
}

func perform(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// decodeFrames parses the data frames of a streamed response body.
func decodeFrames(t *testing.T, raw string) []map[string]interface{} {
	t.Helper()
	var frames []map[string]interface{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	return frames
}

func TestSendMessageEndpoint(t *testing.T) {
	router, svc, llm := newTestRouter(t)
	task := createTask(t, svc)

	t.Run("returns full exchange", func(t *testing.T) {
		llm.replies = []string{"Looks solid"}
		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+task.ID+"/message", map[string]interface{}{
			"message": "review my diff",
			"role":    "user",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		body := decodeBody(t, w)
		assert.Equal(t, "review my diff", body["user_message"])
		assert.Equal(t, "Looks solid", body["ai_response"])
		assert.Equal(t, "test-model", body["model"])
		summary, ok := body["conversation_summary"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(2), summary["message_count"])

		page, err := svc.ListTaskMessages(context.Background(), task.ID, 0, 0, "asc")
		require.NoError(t, err)
		require.Len(t, page.Messages, 2)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/gemini/tasks/"+task.ID+"/message", strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, string(apperrors.CodeValidation), decodeBody(t, w)["error_code"])
	})

	t.Run("empty message", func(t *testing.T) {
		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+task.ID+"/message", map[string]interface{}{
			"message": "   ",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown task", func(t *testing.T) {
		w := perform(router, http.MethodPost, "/api/gemini/tasks/nope/message", map[string]interface{}{
			"message": "hello",
		})
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, string(apperrors.CodeNotFound), decodeBody(t, w)["error_code"])
	})

	t.Run("rate limit surfaces as 429", func(t *testing.T) {
		other := createTask(t, svc)
		llm.err = apperrors.RateLimit("quota exhausted", 9)
		defer func() { llm.err = nil }()

		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+other.ID+"/message", map[string]interface{}{
			"message": "hello",
		})
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, string(apperrors.CodeRateLimit), body["error_code"])
		details, ok := body["details"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(9), details["retry_after"])
	})
}

func TestStreamEndpoint(t *testing.T) {
	router, svc, llm := newTestRouter(t)

	t.Run("relays chunks and end marker", func(t *testing.T) {
		task := createTask(t, svc)
		llm.chunks = []gemini.Chunk{{Text: "Hel"}, {Text: "lo"}}

		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+task.ID+"/stream", map[string]interface{}{
			"message": "stream it",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

		frames := decodeFrames(t, w.Body.String())
		require.Len(t, frames, 3)
		assert.Equal(t, "chunk", frames[0]["type"])
		assert.Equal(t, "Hel", frames[0]["text"])
		assert.Equal(t, "chunk", frames[1]["type"])
		assert.Equal(t, "lo", frames[1]["text"])
		assert.Equal(t, "end", frames[2]["type"])
		assert.Equal(t, float64(5), frames[2]["length"])

		page, err := svc.ListTaskMessages(context.Background(), task.ID, 0, 0, "asc")
		require.NoError(t, err)
		require.Len(t, page.Messages, 2)
		assert.Equal(t, "Hello", page.Messages[1].Content)
	})

	t.Run("mid-stream failure emits error marker", func(t *testing.T) {
		task := createTask(t, svc)
		llm.chunks = []gemini.Chunk{
			{Text: "par"},
			{Err: apperrors.ExternalService("upstream broke", nil)},
		}

		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+task.ID+"/stream", map[string]interface{}{
			"message": "stream it",
		})
		require.Equal(t, http.StatusOK, w.Code)

		frames := decodeFrames(t, w.Body.String())
		require.Len(t, frames, 2)
		assert.Equal(t, "chunk", frames[0]["type"])
		assert.Equal(t, "error", frames[1]["type"])
		assert.Contains(t, frames[1]["error"], "upstream broke")

		page, err := svc.ListTaskMessages(context.Background(), task.ID, 0, 0, "asc")
		require.NoError(t, err)
		assert.Empty(t, page.Messages)
	})

	t.Run("up-front rejection is a plain error response", func(t *testing.T) {
		task := createTask(t, svc)
		llm.err = apperrors.RateLimit("quota exhausted", 5)
		defer func() { llm.err = nil }()

		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+task.ID+"/stream", map[string]interface{}{
			"message": "stream it",
		})
		require.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("validation failure before streaming", func(t *testing.T) {
		task := createTask(t, svc)
		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+task.ID+"/stream", map[string]interface{}{
			"message": "",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestConversationEndpoints(t *testing.T) {
	router, svc, llm := newTestRouter(t)
	task := createTask(t, svc)

	t.Run("create with system prompt", func(t *testing.T) {
		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+task.ID+"/conversation", map[string]interface{}{
			"system_prompt": "be thorough",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		body := decodeBody(t, w)
		assert.Equal(t, true, body["has_system_prompt"])
		assert.Equal(t, float64(1), body["message_count"])
	})

	t.Run("summary reflects sends", func(t *testing.T) {
		llm.replies = []string{"done"}
		w := perform(router, http.MethodPost, "/api/gemini/tasks/"+task.ID+"/message", map[string]interface{}{
			"message": "go",
		})
		require.Equal(t, http.StatusOK, w.Code)

		w = perform(router, http.MethodGet, "/api/gemini/tasks/"+task.ID+"/conversation", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, float64(3), body["message_count"])
		assert.Equal(t, task.ID, body["task_id"])
	})

	t.Run("create for unknown task", func(t *testing.T) {
		w := perform(router, http.MethodPost, "/api/gemini/tasks/nope/conversation", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		w := perform(router, http.MethodDelete, "/api/gemini/tasks/"+task.ID+"/conversation", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decodeBody(t, w)["cleared"])

		w = perform(router, http.MethodDelete, "/api/gemini/tasks/"+task.ID+"/conversation", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decodeBody(t, w)["cleared"])

		w = perform(router, http.MethodGet, "/api/gemini/tasks/"+task.ID+"/conversation", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}
