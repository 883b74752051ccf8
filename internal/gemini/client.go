package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/apperrors"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/logger"
)

// DefaultBaseURL is the production endpoint of the generativelanguage API.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// defaultRetryAfter is the retry hint used when a 429 carries no Retry-After
// header.
const defaultRetryAfter = 30

// maxStreamLineBytes bounds a single SSE line; individual chunks can carry
// whole code files.
const maxStreamLineBytes = 1 << 20

// Client implements Capability against the Gemini REST API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	cfg        config.LLMConfig
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient builds a Gemini client. An empty baseURL selects the production
// endpoint. The http.Client carries no Timeout: non-stream deadlines come
// from the caller's context and streams routinely outlive llm.timeout.
func NewClient(cfg config.LLMConfig, baseURL string, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    baseURL,
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     log,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Generate performs a blocking generation call.
func (c *Client) Generate(ctx context.Context, req *Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "llm.api_key is not configured")
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	resp, err := c.post(ctx, url, c.buildRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiErrorFrom(resp)
	}

	var body genResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.ExternalService("failed to decode gemini response", err)
	}

	text := body.text()
	if text == "" {
		return nil, apperrors.ExternalService("gemini returned no content", nil)
	}

	out := &Response{Content: text, Model: c.model}
	if body.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     body.UsageMetadata.PromptTokenCount,
			CompletionTokens: body.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      body.UsageMetadata.TotalTokenCount,
		}
	}

	c.logger.Debug("gemini generation complete",
		zap.String("model", c.model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens))

	return out, nil
}

// StreamGenerate performs a streaming generation call. The returned channel
// closes at end-of-stream; a broken stream delivers one Err chunk first.
func (c *Client) StreamGenerate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if c.apiKey == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "llm.api_key is not configured")
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, c.apiKey)
	resp, err := c.post(ctx, url, c.buildRequest(req))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.apiErrorFrom(resp)
	}

	ch := make(chan Chunk, 16)
	go c.relayStream(ctx, resp.Body, ch)
	return ch, nil
}

// relayStream parses SSE data frames from body into chunks until the stream
// ends or ctx is cancelled.
func (c *Client) relayStream(ctx context.Context, body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}

		var frame genResponse
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.emit(ctx, ch, Chunk{Err: apperrors.ExternalService("failed to decode gemini stream frame", err)})
			return
		}
		if frame.Error != nil {
			c.emit(ctx, ch, Chunk{Err: c.mapAPIError(frame.Error.Code, frame.Error.Message, nil)})
			return
		}
		if text := frame.text(); text != "" {
			if !c.emit(ctx, ch, Chunk{Text: text}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.emit(ctx, ch, Chunk{Err: apperrors.ExternalService("gemini stream interrupted", err)})
	}
}

// emit delivers a chunk unless ctx ends first.
func (c *Client) emit(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) post(ctx context.Context, url string, body *genRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Internal("failed to marshal gemini request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Internal("failed to build gemini request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("calling gemini",
		zap.String("model", c.model),
		zap.Int("contents", len(body.Contents)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.ExternalService("gemini request cancelled or timed out", ctx.Err())
		}
		return nil, apperrors.ExternalService("gemini request failed", err)
	}
	return resp, nil
}

// buildRequest translates the capability request into the wire shape. Roles
// arrive already mapped to the API's user/model vocabulary.
func (c *Client) buildRequest(req *Request) *genRequest {
	out := &genRequest{
		Contents: make([]genContent, 0, len(req.Messages)),
		GenerationConfig: &genConfig{
			Temperature:     c.cfg.Temperature,
			TopP:            c.cfg.TopP,
			TopK:            c.cfg.TopK,
			MaxOutputTokens: c.cfg.MaxTokens,
		},
	}
	for _, m := range req.Messages {
		out.Contents = append(out.Contents, genContent{
			Role:  m.Role,
			Parts: []genPart{{Text: m.Content}},
		})
	}
	if req.System != "" {
		out.SystemInstruction = &genSystemInstruction{Parts: []genPart{{Text: req.System}}}
	}
	return out
}

// apiErrorFrom maps a non-200 response to the error taxonomy, draining the
// body for the API's message.
func (c *Client) apiErrorFrom(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body genResponse
	message := ""
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != nil {
		message = body.Error.Message
	}

	return c.mapAPIError(resp.StatusCode, message, resp)
}

// mapAPIError classifies an API status code. 429 becomes RATE_LIMIT_EXCEEDED
// with a retry_after hint; everything else is EXTERNAL_SERVICE_ERROR.
func (c *Client) mapAPIError(status int, message string, resp *http.Response) error {
	if message == "" {
		message = fmt.Sprintf("gemini API error (status %d)", status)
	}

	if status == http.StatusTooManyRequests {
		retryAfter := defaultRetryAfter
		if resp != nil {
			if v, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && v > 0 {
				retryAfter = v
			}
		}
		c.logger.Warn("gemini rate limit hit",
			zap.String("model", c.model),
			zap.Int("retry_after", retryAfter))
		return apperrors.RateLimit(message, retryAfter)
	}

	c.logger.Warn("gemini API error",
		zap.String("model", c.model),
		zap.Int("status", status),
		zap.String("message", message))
	return apperrors.ExternalService(message, nil).WithDetail("http_status", status)
}
