package gemini

// Request/response shapes for the generativelanguage REST API. Field names
// follow the v1beta JSON contract.

type genPart struct {
	Text string `json:"text"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genSystemInstruction struct {
	Parts []genPart `json:"parts"`
}

type genConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type genRequest struct {
	Contents          []genContent          `json:"contents"`
	SystemInstruction *genSystemInstruction `json:"systemInstruction,omitempty"`
	GenerationConfig  *genConfig            `json:"generationConfig,omitempty"`
}

type genCandidate struct {
	Content      genContent `json:"content"`
	FinishReason string     `json:"finishReason,omitempty"`
}

type genUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// genResponse doubles as the SSE frame shape: streamed frames carry the same
// candidates array, and error frames carry only the error object.
type genResponse struct {
	Candidates    []genCandidate `json:"candidates"`
	UsageMetadata *genUsage      `json:"usageMetadata,omitempty"`
	Error         *apiError      `json:"error,omitempty"`
}

// text returns the concatenated parts of the first candidate.
func (r *genResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var out string
	for _, p := range r.Candidates[0].Content.Parts {
		out += p.Text
	}
	return out
}
