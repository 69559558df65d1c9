package transcribe

import (
	"context"
	"os"
	"testing"

	"github.com/nescordvault/nescordvault/internal/fallback"
	"github.com/nescordvault/nescordvault/internal/governor"
)

type stubProvider struct {
	name    string
	model   string
	fn      func(path, mimeType string) (Result, error)
	pathSeen string
}

func (p *stubProvider) Name() string  { return p.name }
func (p *stubProvider) Model() string { return p.model }
func (p *stubProvider) Transcribe(ctx context.Context, path, mimeType string) (Result, error) {
	p.pathSeen = path
	return p.fn(path, mimeType)
}

func TestTranscribeWritesTempFileAndDeletesIt(t *testing.T) {
	var seenPath string
	primary := &stubProvider{name: "test", model: "m", fn: func(path, mimeType string) (Result, error) {
		seenPath = path
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected temp file to exist during Transcribe: %v", err)
		}
		return Result{Text: "hello"}, nil
	}}
	g := governor.New(1000000, nil, nil)
	mgr := fallback.New(g)
	a := New(Options{Primary: primary, Manager: mgr})

	res, err := a.Transcribe(context.Background(), []byte("fake audio bytes"), "audio/mpeg", "user-1")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello" {
		t.Fatalf("expected transcription text, got %q", res.Text)
	}
	if _, err := os.Stat(seenPath); !os.IsNotExist(err) {
		t.Fatalf("expected temp file deleted after Transcribe returns, stat err = %v", err)
	}
}

func TestTranscribeRejectsOversizedAudio(t *testing.T) {
	primary := &stubProvider{name: "test", model: "m", fn: func(path, mimeType string) (Result, error) {
		t.Fatalf("provider should not be called for oversized audio")
		return Result{}, nil
	}}
	g := governor.New(1000000, nil, nil)
	mgr := fallback.New(g)
	a := New(Options{Primary: primary, Manager: mgr, MaxBytes: 10})

	if _, err := a.Transcribe(context.Background(), []byte("this is way more than 10 bytes"), "audio/wav", "user-1"); err == nil {
		t.Fatalf("expected oversized audio to be rejected")
	}
}

func TestTranscribeFrozenReturnsDeterministicLocalText(t *testing.T) {
	primary := &stubProvider{name: "test", model: "m", fn: func(path, mimeType string) (Result, error) {
		t.Fatalf("primary should not be called while frozen")
		return Result{}, nil
	}}
	g := governor.New(1000, nil, nil)
	g.Preload("test", 1000) // frozen
	mgr := fallback.New(g)
	a := New(Options{Primary: primary, Manager: mgr})

	res, err := a.Transcribe(context.Background(), []byte("audio"), "audio/wav", "user-1")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != localUnavailableText {
		t.Fatalf("expected deterministic unavailable text, got %q", res.Text)
	}
}
