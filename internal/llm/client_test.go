package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/nescordvault/nescordvault/internal/config"
)

func TestNewForProvider_OllamaResolvesFromConfiguredURL(t *testing.T) {
	t.Setenv("OLLAMA_URL", "http://localhost:11434")

	client, err := NewForProvider("ollama", &config.Config{})
	if err != nil {
		t.Fatalf("NewForProvider: %v", err)
	}
	if client.Provider() != "ollama" {
		t.Fatalf("expected ollama provider, got %q", client.Provider())
	}
}

func TestNewForProvider_OpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewForProvider("openai", &config.Config{})
	if err == nil {
		t.Fatal("expected error for missing openai API key")
	}
	if !strings.Contains(err.Error(), "requires") {
		t.Fatalf("expected missing-key error, got: %v", err)
	}
}

func TestNewForProvider_OpenAICompatibleUsesConfiguredBaseURL(t *testing.T) {
	cfg := &config.Config{AI: config.AIConfig{BaseURL: "http://localhost:1234", Model: "llama3.2"}}
	client, err := NewForProvider("openai-compatible", cfg)
	if err != nil {
		t.Fatalf("NewForProvider: %v", err)
	}
	if client.Provider() != "openai-compatible" {
		t.Fatalf("expected openai-compatible provider, got %q", client.Provider())
	}
}

func TestOpenAICompatible_GenerateJSONFallsBackWhenResponseFormatUnsupported(t *testing.T) {
	client, err := newOpenAIClient(openAIClientConfig{
		Provider: "openai-compatible",
		BaseURL:  "http://localhost:1234",
		Model:    "llama3.2",
	})
	if err != nil {
		t.Fatalf("newOpenAIClient: %v", err)
	}
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			defer req.Body.Close()

			var payload map[string]any
			_ = json.Unmarshal(body, &payload)
			if _, ok := payload["response_format"]; ok {
				return jsonResponse(http.StatusBadRequest, `{"error":{"message":"response_format unsupported"}}`), nil
			}
			return jsonResponse(http.StatusOK, "{\"choices\":[{\"message\":{\"content\":\"```json\\n{\\\"nodes\\\": []}\\n```\"}}]}"), nil
		}),
	}

	got, err := client.GenerateJSON("", "extract graph")
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if got != `{"nodes": []}` {
		t.Fatalf("unexpected JSON output: %q", got)
	}
}

func TestOpenAICompatible_GeneratePlainReturnsMessageContent(t *testing.T) {
	client, err := newOpenAIClient(openAIClientConfig{
		Provider: "openai-compatible",
		BaseURL:  "http://localhost:1234",
		Model:    "llama3.2",
	})
	if err != nil {
		t.Fatalf("newOpenAIClient: %v", err)
	}
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"choices":[{"message":{"content":"hello there"}}]}`), nil
		}),
	}

	got, err := client.Generate("", "say hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("unexpected output: %q", got)
	}
}

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
