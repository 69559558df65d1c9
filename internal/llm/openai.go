package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nescordvault/nescordvault/internal/fallback"
)

// openAIClientConfig configures an openAIClient.
type openAIClientConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

// openAIClient talks to an OpenAI-compatible /v1/chat/completions endpoint
// (OpenAI itself, or a compatible server such as an Ollama OpenAI shim,
// llama.cpp, or LM Studio), generalized from the sibling internal/embed
// HTTPProvider's request/auth shape to chat completions instead of
// embeddings.
type openAIClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
	provider   string
}

func newOpenAIClient(cfg openAIClientConfig) (*openAIClient, error) {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("llm: openai-compatible provider requires a base URL")
	}
	return &openAIClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    base,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		provider:   cfg.Provider,
	}, nil
}

func (c *openAIClient) Provider() string { return c.provider }

// chatError classifies an OpenAI-compatible HTTP failure for the Fallback
// Manager, mirroring the teacher's openaiHTTPError.isRetryable() split.
type chatError struct {
	statusCode int
	message    string
}

func (e *chatError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.statusCode, e.message)
}

func (e *chatError) Class() fallback.Class {
	switch {
	case e.statusCode == 0:
		return fallback.ClassRetryable
	case e.statusCode == http.StatusTooManyRequests:
		return fallback.ClassQuota
	case e.statusCode >= 500:
		return fallback.ClassRetryable
	default:
		return fallback.ClassPermanent
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends prompt as a single user message and returns the model's
// reply text. An empty model falls back to the client's configured model.
func (c *openAIClient) Generate(model, prompt string) (string, error) {
	return c.complete(model, prompt, false)
}

// GenerateJSON requests a JSON-formatted completion, falling back to a
// plain request (stripping any markdown code fence from the reply) when
// the server rejects response_format (some openai-compatible servers
// don't implement it), matching the teacher's GenerateJSON fallback.
func (c *openAIClient) GenerateJSON(model, prompt string) (string, error) {
	out, err := c.complete(model, prompt, true)
	if err == nil {
		return out, nil
	}
	var ce *chatError
	if !asChatError(err, &ce) || ce.statusCode != http.StatusBadRequest {
		return "", err
	}
	out, err = c.complete(model, prompt, false)
	if err != nil {
		return "", err
	}
	return stripCodeFence(out), nil
}

func asChatError(err error, target **chatError) bool {
	ce, ok := err.(*chatError)
	if ok {
		*target = ce
	}
	return ok
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func (c *openAIClient) complete(model, prompt string, asJSON bool) (string, error) {
	if model == "" {
		model = c.model
	}
	req := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if asJSON {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &chatError{statusCode: 0, message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}

	var parsed chatResponse
	_ = json.Unmarshal(data, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", &chatError{statusCode: resp.StatusCode, message: msg}
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: provider returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
