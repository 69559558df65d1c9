// Package transcribe implements the Transcription Adapter (spec.md
// §4.K): accepts an audio blob and MIME hint, enforces a maximum size,
// writes to a guaranteed-deleted temp file, and routes the request
// through the Fallback Manager. New relative to the teacher (no audio
// path exists in internal/embedding), but follows the same
// provider-interface / classified-error / retry shape as internal/embed.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/nescordvault/nescordvault/internal/fallback"
	"github.com/nescordvault/nescordvault/internal/governor"
)

// DefaultMaxBytes is spec.md §4.K/B2's default maximum audio size.
const DefaultMaxBytes = 25 * 1024 * 1024

// ErrTooLarge is returned when the audio blob exceeds the configured
// maximum.
var ErrTooLarge = fmt.Errorf("transcribe: audio exceeds maximum size")

// Result is a transcription outcome.
type Result struct {
	Text       string
	Confidence float64 // 0 when the provider doesn't report one
}

// localUnavailableText is the deterministic degraded response spec.md
// §4.I names verbatim for a frozen Token Governor.
const localUnavailableText = "[transcription unavailable: monthly quota reached]"

// Provider transcribes an audio file already materialized on disk (so
// providers needing a multipart upload or a local CLI tool both have a
// real path to read from).
type Provider interface {
	Transcribe(ctx context.Context, path string, mimeType string) (Result, error)
	Name() string
	Model() string
}

// ProviderError classifies a provider failure for the Fallback Manager,
// mirroring internal/embed.ProviderError.
type ProviderError struct {
	StatusCode int
	Message    string
	class      fallback.Class
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("transcribe provider returned %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Class() fallback.Class { return e.class }

func classifyStatus(status int) fallback.Class {
	switch {
	case status == 0:
		return fallback.ClassRetryable
	case status == http.StatusTooManyRequests:
		return fallback.ClassQuota
	case status >= 500:
		return fallback.ClassRetryable
	default:
		return fallback.ClassPermanent
	}
}

// request is the internal payload threaded through the Fallback Manager:
// the temp file path and MIME hint, not the raw bytes, so Primary and
// Secondary both read from the same materialized file.
type request struct {
	path     string
	mimeType string
}

// Adapter is the Transcription Adapter.
type Adapter struct {
	primary   Provider
	secondary Provider
	fb        *fallback.Manager
	maxBytes  int64
	recordFn  func(provider, model string, inTok, outTok int64, kind governor.Kind, actor string) error
}

// Options configures an Adapter.
type Options struct {
	Primary     Provider
	Secondary   Provider
	Manager     *fallback.Manager
	MaxBytes    int64 // default DefaultMaxBytes
	RecordUsage func(provider, model string, inTok, outTok int64, kind governor.Kind, actor string) error
}

// New constructs an Adapter.
func New(opts Options) *Adapter {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Adapter{
		primary:   opts.Primary,
		secondary: opts.Secondary,
		fb:        opts.Manager,
		maxBytes:  maxBytes,
		recordFn:  opts.RecordUsage,
	}
}

// Transcribe implements spec.md §4.K: size-enforce, write audio to a
// scoped temp file guaranteed to be deleted on every exit path, and
// route through the Fallback Manager.
func (a *Adapter) Transcribe(ctx context.Context, audio []byte, mimeType, actor string) (Result, error) {
	if int64(len(audio)) > a.maxBytes {
		return Result{}, fmt.Errorf("%w: %d bytes exceeds %d-byte maximum", ErrTooLarge, len(audio), a.maxBytes)
	}

	tmp, err := os.CreateTemp("", "nescordvault-audio-*"+extensionFor(mimeType))
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: create temp file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path) // guaranteed deletion on every exit path

	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		return Result{}, fmt.Errorf("transcribe: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("transcribe: close temp file: %w", err)
	}

	providerName := "unknown"
	modelName := "unknown"
	if a.primary != nil {
		providerName = a.primary.Name()
		modelName = a.primary.Model()
	}

	call := fallback.Call[request, Result]{
		Provider: providerName,
		Kind:     governor.KindUserInitiated, // transcription is always a direct user action
		Primary: func(ctx context.Context, req request) (Result, error) {
			return a.primary.Transcribe(ctx, req.path, req.mimeType)
		},
		Local: func(req request) Result {
			return Result{Text: localUnavailableText}
		},
	}
	if a.secondary != nil {
		call.Secondary = func(ctx context.Context, req request) (Result, error) {
			return a.secondary.Transcribe(ctx, req.path, req.mimeType)
		}
	}

	result, err := fallback.Execute(ctx, a.fb, call, request{path: path, mimeType: mimeType})
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: %w", err)
	}

	if a.recordFn != nil && result.Text != localUnavailableText {
		approxTokens := int64(len(audio) / 16000) // rough duration-proportional estimate, not billed precisely
		_ = a.recordFn(providerName, modelName, approxTokens, int64(len(result.Text)/4+1), governor.KindUserInitiated, actor)
	}

	return result, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	default:
		return ".audio"
	}
}

// --- HTTP-based provider (OpenAI-compatible /v1/audio/transcriptions) ---

// HTTPProvider implements Provider against an OpenAI-compatible
// transcription endpoint, the same multipart shape Whisper-compatible
// servers expose.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

// NewHTTPProvider constructs an HTTPProvider.
func NewHTTPProvider(baseURL, model, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
		model:      model,
		apiKey:     apiKey,
	}
}

func (p *HTTPProvider) Name() string  { return "openai" }
func (p *HTTPProvider) Model() string { return p.model }

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (p *HTTPProvider) Transcribe(ctx context.Context, path, mimeType string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: open temp file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio")
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: build multipart form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return Result{}, fmt.Errorf("transcribe: copy audio into form: %w", err)
	}
	_ = writer.WriteField("model", p.model)
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("transcribe: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, &ProviderError{StatusCode: 0, Message: err.Error(), class: classifyStatus(0)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return Result{}, &ProviderError{StatusCode: resp.StatusCode, Message: string(payload), class: classifyStatus(resp.StatusCode)}
	}

	var parsed transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("transcribe: decode response: %w", err)
	}
	return Result{Text: parsed.Text}, nil
}
