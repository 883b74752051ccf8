// Package gemini talks to the Google generative language API. The
// orchestrator consumes the Capability interface; the REST client is the
// production implementation.
package gemini

import "context"

// Turn is one entry of the prompt history sent to the model.
type Turn struct {
	Role    string `json:"role"` // "user" or "model"
	Content string `json:"content"`
}

// Request is a single generation call.
type Request struct {
	System   string // optional system instruction
	Messages []Turn
}

// Usage reports token counts as returned by the API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Chunk is one piece of a streamed generation. Err is set on the final
// chunk of a broken stream; the channel closes at end-of-stream either way.
type Chunk struct {
	Text string
	Err  error
}

// Capability is the LLM surface the orchestrator depends on.
type Capability interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	StreamGenerate(ctx context.Context, req *Request) (<-chan Chunk, error)
}
