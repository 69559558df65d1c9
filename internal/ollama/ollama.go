// Package ollama provides the HTTP client internal/llm uses for the
// "ollama" chat-completion provider: merge_notes' provider-assisted
// synthesis and suggest_tags' tag proposals (spec.md §4.M) both route
// through Client.Generate/GenerateJSON via the Fallback Manager. Separate
// from internal/embed's Ollama provider since chat generation and
// embeddings use different endpoints, models, and timeout profiles.
package ollama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a local Ollama instance for chat-completion generation.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClientWithURL creates a Client against baseURL, the endpoint
// internal/llm resolves from config.OllamaURL() (or a test server's URL
// in tests). No localhost validation is performed — a remote
// Ollama-compatible endpoint is a legitimate AI_PRIMARY/AI_SECONDARY
// target.
func NewClientWithURL(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format,omitempty"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends a prompt to Ollama and returns the response, trimmed of
// surrounding whitespace.
func (c *Client) Generate(model, prompt string) (string, error) {
	return c.generate(model, prompt, "")
}

// GenerateJSON sends a prompt to Ollama and forces a JSON-formatted
// response, the shape knowledge.requestTagSuggestions and synthesize
// expect back.
func (c *Client) GenerateJSON(model, prompt string) (string, error) {
	return c.generate(model, prompt, "json")
}

func (c *Client) generate(model, prompt, format string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt,
		Format: format,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect to Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("Ollama returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10*1024*1024)).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return strings.TrimSpace(result.Response), nil
}
