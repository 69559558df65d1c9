// Package embed implements the Embedding Adapter (spec.md §4.J): input
// normalization, content-hash cache, and provider dispatch through the
// Fallback Manager. The Provider interface and Ollama/OpenAI
// implementations generalize the teacher's internal/embedding package
// (Provider, OllamaProvider, OpenAIProvider, validateEmbedding), with
// GetEmbedding rerouted through internal/fallback instead of being
// called directly and classified errors instead of a bare retry loop.
package embed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/nescordvault/nescordvault/internal/fallback"
	"github.com/nescordvault/nescordvault/internal/governor"
)

// Purpose selects the embedding mode, mirroring the teacher's
// "document" vs "query" distinction.
type Purpose string

const (
	PurposeDocument Purpose = "document"
	PurposeQuery    Purpose = "query"
)

// Provider generates raw embedding vectors. Implementations return a
// *ProviderError so the Fallback Manager can classify failures without a
// per-provider type switch.
type Provider interface {
	Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error)
	Name() string
	Model() string
	Dimensions() int
}

// ProviderError classifies a provider failure for the Fallback Manager,
// the same retryable/permanent/quota split the teacher's
// openaiHTTPError.isRetryable() draws, generalized to a named Class.
type ProviderError struct {
	StatusCode int
	Message    string
	class      fallback.Class
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embed provider returned %d: %s", e.StatusCode, e.Message)
}

// Class satisfies fallback.ClassifiedError.
func (e *ProviderError) Class() fallback.Class { return e.class }

func classifyStatus(status int) fallback.Class {
	switch {
	case status == 0:
		return fallback.ClassRetryable // network-level failure
	case status == http.StatusTooManyRequests:
		return fallback.ClassQuota
	case status >= 500:
		return fallback.ClassRetryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fallback.ClassPermanent
	default:
		return fallback.ClassPermanent
	}
}

// Normalize applies spec.md §4.J's input normalization: Unicode NFKC,
// trimmed, whitespace-collapsed.
func Normalize(text string) string {
	normalized := norm.NFKC.String(text)
	fields := strings.Fields(normalized)
	return strings.Join(fields, " ")
}

// ContentHash returns a stable hash of normalized text, the cache key.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// validateEmbedding checks dimensionality and rejects all-zero vectors,
// ported from the teacher's internal/embedding.validateEmbedding.
func validateEmbedding(vec []float32, expectedDims int) error {
	if expectedDims > 0 && len(vec) != expectedDims {
		return fmt.Errorf("embed: dimension mismatch: expected %d, got %d", expectedDims, len(vec))
	}
	allZero := true
	for _, v := range vec {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("embed: provider returned an all-zero vector")
	}
	return nil
}

// Adapter is the Embedding Adapter: normalize -> cache -> Fallback
// Manager -> provider, recording usage via the Token Governor.
type Adapter struct {
	primary   Provider
	secondary Provider
	fb        *fallback.Manager
	cache     *cache
	dims      int
	recordFn  func(provider, model string, inTok, outTok int64, kind governor.Kind, actor string) error
}

// Options configures an Adapter.
type Options struct {
	Primary   Provider
	Secondary Provider // optional
	Manager   *fallback.Manager
	CacheSize int
	CacheTTL  time.Duration
	RecordUsage func(provider, model string, inTok, outTok int64, kind governor.Kind, actor string) error
}

// New constructs an Adapter.
func New(opts Options) *Adapter {
	size := opts.CacheSize
	if size <= 0 {
		size = 1000
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	dims := 0
	if opts.Primary != nil {
		dims = opts.Primary.Dimensions()
	}
	return &Adapter{
		primary:   opts.Primary,
		secondary: opts.Secondary,
		fb:        opts.Manager,
		cache:     newCache(size, ttl),
		dims:      dims,
		recordFn:  opts.RecordUsage,
	}
}

// GetEmbedding implements spec.md §4.J: normalize, hash, consult cache,
// on miss call through the Fallback Manager, validate, record usage,
// populate the cache.
func (a *Adapter) GetEmbedding(ctx context.Context, text string, purpose Purpose) ([]float32, error) {
	normalized := Normalize(text)
	key := ContentHash(normalized) + "|" + string(purpose)

	if vec, ok := a.cache.get(key); ok {
		return vec, nil
	}

	providerName := "unknown"
	modelName := "unknown"
	if a.primary != nil {
		providerName = a.primary.Name()
		modelName = a.primary.Model()
	}

	call := fallback.Call[string, []float32]{
		Provider: providerName,
		Kind:     governor.KindSystemInitiated,
		Primary: func(ctx context.Context, req string) ([]float32, error) {
			return a.primary.Embed(ctx, req, purpose)
		},
		Local: func(req string) []float32 {
			return make([]float32, a.dims) // deterministic degraded response: zero vector, caller must treat as "unavailable"
		},
	}
	if a.secondary != nil {
		call.Secondary = func(ctx context.Context, req string) ([]float32, error) {
			return a.secondary.Embed(ctx, req, purpose)
		}
	}

	vec, err := fallback.Execute(ctx, a.fb, call, normalized)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if err := validateEmbedding(vec, a.dims); err != nil {
		return nil, err
	}

	if a.recordFn != nil {
		approxTokens := int64(len(normalized)/4 + 1)
		_ = a.recordFn(providerName, modelName, approxTokens, 0, governor.KindSystemInitiated, "")
	}

	a.cache.put(key, vec)
	return vec, nil
}

// GetDocumentEmbedding is a convenience wrapper matching the teacher's
// GetDocumentEmbedding/GetQueryEmbedding split.
func (a *Adapter) GetDocumentEmbedding(ctx context.Context, text string) ([]float32, error) {
	return a.GetEmbedding(ctx, text, PurposeDocument)
}

// GetQueryEmbedding is a convenience wrapper matching the teacher's split.
func (a *Adapter) GetQueryEmbedding(ctx context.Context, text string) ([]float32, error) {
	return a.GetEmbedding(ctx, text, PurposeQuery)
}

// --- HTTP-based providers, generalized from internal/embedding ---

// HTTPProvider implements Provider against an OpenAI-compatible
// /v1/embeddings endpoint (OpenAI itself, or any compatible server —
// llama.cpp, VLLM, LM Studio), the teacher's OpenAIProvider generalized.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
	dims       int
	name       string
}

// NewHTTPProvider constructs an HTTPProvider.
func NewHTTPProvider(name, baseURL, model, apiKey string, dims int) *HTTPProvider {
	return &HTTPProvider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		model:      model,
		apiKey:     apiKey,
		dims:       dims,
		name:       name,
	}
}

func (p *HTTPProvider) Name() string    { return p.name }
func (p *HTTPProvider) Model() string   { return p.model }
func (p *HTTPProvider) Dimensions() int { return p.dims }

type httpEmbeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type httpEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error) {
	body, err := json.Marshal(httpEmbeddingRequest{Input: text, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{StatusCode: 0, Message: err.Error(), class: classifyStatus(0)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: string(payload), class: classifyStatus(resp.StatusCode)}
	}

	var parsed httpEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embed: provider returned no embedding data")
	}
	return parsed.Data[0].Embedding, nil
}

// OllamaProvider implements Provider against a local Ollama server,
// generalized from the teacher's internal/embedding OllamaProvider.
type OllamaProvider struct {
	httpClient *http.Client
	baseURL    string
	model      string
	dims       int
}

// NewOllamaProvider constructs an OllamaProvider.
func NewOllamaProvider(baseURL, model string, dims int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		model:      model,
		dims:       dims,
	}
}

func (p *OllamaProvider) Name() string    { return "ollama" }
func (p *OllamaProvider) Model() string   { return p.model }
func (p *OllamaProvider) Dimensions() int { return p.dims }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *OllamaProvider) Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{StatusCode: 0, Message: err.Error(), class: classifyStatus(0)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: string(payload), class: classifyStatus(resp.StatusCode)}
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(parsed.Embeddings) == 0 {
		return nil, fmt.Errorf("embed: ollama returned no embeddings")
	}
	return parsed.Embeddings[0], nil
}
