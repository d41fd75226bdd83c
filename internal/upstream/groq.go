package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultGroqBaseURL = "https://api.groq.com"

// chatRequest is the OpenAI-compatible chat-completions payload Groq accepts.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

// analysisInstruction frames the completion. The analysis schema itself is
// the model's contract with the UI, not something the gateway interprets.
const analysisInstruction = "You are a code complexity analyzer. " +
	"Analyze the given code and respond with a JSON object describing its " +
	"time and space complexity in Big-O notation."

// GroqConfig configures the Groq provider.
type GroqConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

type groqProvider struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
}

// NewGroq creates a Provider for Groq's chat-completions API.
func NewGroq(cfg GroqConfig) Provider {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGroqBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &groqProvider{
		apiKey:    cfg.APIKey,
		baseURL:   base,
		model:     model,
		maxTokens: maxTokens,
	}
}

func (g *groqProvider) Name() string { return "groq" }

func (g *groqProvider) BaseURL() string { return g.baseURL }

func (g *groqProvider) BuildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	user := req.Code
	if req.Language != "" {
		user = fmt.Sprintf("Language: %s\n\n```%s\n%s\n```", req.Language, req.Language, req.Code)
	}

	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: analysisInstruction},
			{Role: "user", Content: user},
		},
		MaxTokens:      g.maxTokens,
		Temperature:    0.1,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("groq: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/openai/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	return httpReq, nil
}

// RetryableStatus treats request-timeout, rate-limit, and server errors as
// transient; everything else (auth failures, malformed-input rejections) is a
// hard rejection not worth another attempt.
func (g *groqProvider) RetryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}
