// Package llm provides the chat-completion client the Knowledge Manager
// routes through the Fallback Manager for merge_notes' provider-assisted
// synthesis and suggest_tags (spec.md §4.M, §4.I). Adapted from the
// teacher's internal/llm client: the Ollama/OpenAI-compatible dual-provider
// shape survives, but the auto-detecting multi-fallback provider chain is
// replaced with direct resolution from config.AIConfig's Primary/Secondary
// fields, matching the Fallback Manager's own Primary/Secondary vocabulary
// instead of guessing a provider order from environment variables.
package llm

import (
	"fmt"
	"strings"

	"github.com/nescordvault/nescordvault/internal/config"
	"github.com/nescordvault/nescordvault/internal/ollama"
)

// Client is a provider-agnostic interface for chat/completion generation.
type Client interface {
	Generate(model, prompt string) (string, error)
	GenerateJSON(model, prompt string) (string, error)
	Provider() string
}

// NewPrimary resolves the Client for config.AI.Primary.
func NewPrimary() (Client, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewForProvider(cfg.AI.Primary, cfg)
}

// NewSecondary resolves the Client for config.AI.Secondary. Returns
// (nil, nil) when no secondary provider is configured, since the Fallback
// Manager treats a nil Secondary as "not configured" rather than an error.
func NewSecondary() (Client, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AI.Secondary) == "" {
		return nil, nil
	}
	return NewForProvider(cfg.AI.Secondary, cfg)
}

// NewForProvider builds a Client for the named provider ("ollama",
// "openai", "openai-compatible") using cfg's credentials.
func NewForProvider(provider string, cfg *config.Config) (Client, error) {
	switch normalizeProvider(provider) {
	case "ollama":
		url, err := config.OllamaURL()
		if err != nil {
			return nil, err
		}
		return &ollamaClient{client: ollama.NewClientWithURL(url)}, nil
	case "openai", "openai-compatible":
		baseURL := cfg.AI.BaseURL
		if normalizeProvider(provider) == "openai" && baseURL == "" {
			baseURL = "https://api.openai.com"
		}
		if cfg.AI.APIKey == "" && normalizeProvider(provider) == "openai" {
			return nil, fmt.Errorf("provider %q requires an API key (AI_API_KEY)", provider)
		}
		return newOpenAIClient(openAIClientConfig{
			Provider: provider,
			Model:    cfg.AI.Model,
			BaseURL:  baseURL,
			APIKey:   cfg.AI.APIKey,
		})
	case "none", "":
		return nil, fmt.Errorf("chat provider disabled")
	default:
		return nil, fmt.Errorf("unknown chat provider: %q", provider)
	}
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

type ollamaClient struct {
	client *ollama.Client
}

func (c *ollamaClient) Provider() string { return "ollama" }

func (c *ollamaClient) Generate(model, prompt string) (string, error) {
	return c.client.Generate(model, prompt)
}

func (c *ollamaClient) GenerateJSON(model, prompt string) (string, error) {
	return c.client.GenerateJSON(model, prompt)
}
