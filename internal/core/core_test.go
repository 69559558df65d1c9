package core

import (
	"context"
	"testing"

	"github.com/nescordvault/nescordvault/internal/chatevent"
	"github.com/nescordvault/nescordvault/internal/embed"
	"github.com/nescordvault/nescordvault/internal/fallback"
	"github.com/nescordvault/nescordvault/internal/governor"
	"github.com/nescordvault/nescordvault/internal/knowledge"
	"github.com/nescordvault/nescordvault/internal/queue"
	"github.com/nescordvault/nescordvault/internal/relstore"
	"github.com/nescordvault/nescordvault/internal/search"
	"github.com/nescordvault/nescordvault/internal/vecstore"
)

type stubEmbedProvider struct{}

func (stubEmbedProvider) Name() string    { return "stub" }
func (stubEmbedProvider) Model() string   { return "stub-model" }
func (stubEmbedProvider) Dimensions() int { return 2 }
func (stubEmbedProvider) Embed(ctx context.Context, text string, purpose embed.Purpose) ([]float32, error) {
	return []float32{1, 0}, nil
}

func newTestHandler(t *testing.T) (*Handler, *queue.Queue) {
	t.Helper()
	db, err := relstore.OpenMemory()
	if err != nil {
		t.Fatalf("relstore.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vec, err := vecstore.OpenMemory(2)
	if err != nil {
		t.Fatalf("vecstore.OpenMemory: %v", err)
	}
	t.Cleanup(func() { vec.Close() })
	if err := vec.EnsureCollection("stub-model", vecstore.MetricCosine, 2); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	g := governor.New(1000000, nil, nil)
	fb := fallback.New(g)
	embedder := embed.New(embed.Options{Primary: stubEmbedProvider{}, Manager: fb})
	engine := search.New(search.Options{DB: db, Vec: vec, Embedder: embedder, Collection: "stub-model"})
	q := queue.New(db, 0, 0)

	know := knowledge.New(knowledge.Options{DB: db, Search: engine, Fallback: fb, Queue: q})
	return New(know, nil), q
}

func TestOnEventTextMessageCreatesNoteAndEnqueuesArtifact(t *testing.T) {
	h, q := newTestHandler(t)

	ack := h.OnEvent(context.Background(), chatevent.TextMessage{
		ChannelID: "c1", AuthorID: "a1", Content: "Grind finer next time.", OriginRef: "msg-1",
	})
	if ack.Status != "ok" || ack.NoteID == "" {
		t.Fatalf("OnEvent(text_message) = %+v, want ok with a note_id", ack)
	}

	pending, err := q.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 1 {
		t.Fatalf("PendingCount = %d, want 1 outbound artifact enqueued", pending)
	}
}

func TestOnEventVoiceMessageWithoutTranscriberDegrades(t *testing.T) {
	h, _ := newTestHandler(t)

	ack := h.OnEvent(context.Background(), chatevent.VoiceMessage{
		ChannelID: "c1", AuthorID: "a1", Audio: []byte("fake audio"), MimeType: "audio/wav",
	})
	if ack.Status != "unavailable" {
		t.Fatalf("OnEvent(voice_message) without transcriber = %+v, want status=unavailable", ack)
	}
}

func TestOnEventUnregisteredCommandNameErrors(t *testing.T) {
	h, _ := newTestHandler(t)

	ack := h.OnEvent(context.Background(), chatevent.Command{Name: "frobnicate"})
	if ack.Status != "error" {
		t.Fatalf("OnEvent(command frobnicate) = %+v, want status=error", ack)
	}
}

func TestOnEventMergeCommandMergesNotes(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	first := h.OnEvent(ctx, chatevent.TextMessage{ChannelID: "c1", AuthorID: "a1", Content: "Note one"})
	second := h.OnEvent(ctx, chatevent.TextMessage{ChannelID: "c1", AuthorID: "a1", Content: "Note two"})

	ack := h.OnEvent(ctx, chatevent.Command{Name: "merge", Args: []string{first.NoteID, second.NoteID}})
	if ack.Status != "ok" || ack.NoteID == "" {
		t.Fatalf("OnEvent(merge) = %+v, want ok with a note_id", ack)
	}
}
