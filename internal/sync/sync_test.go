package sync

import (
	"context"
	"testing"
	"time"

	"github.com/nescordvault/nescordvault/internal/embed"
	"github.com/nescordvault/nescordvault/internal/fallback"
	"github.com/nescordvault/nescordvault/internal/governor"
	"github.com/nescordvault/nescordvault/internal/relstore"
	"github.com/nescordvault/nescordvault/internal/vecstore"
)

type stubProvider struct {
	dims int
	fn   func(text string) ([]float32, error)
}

func (p *stubProvider) Name() string    { return "stub" }
func (p *stubProvider) Model() string   { return "stub-model" }
func (p *stubProvider) Dimensions() int { return p.dims }
func (p *stubProvider) Embed(ctx context.Context, text string, purpose embed.Purpose) ([]float32, error) {
	return p.fn(text)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *relstore.DB, *vecstore.Store) {
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

	provider := &stubProvider{dims: 2, fn: func(text string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}
	g := governor.New(1000000, nil, nil)
	mgr := fallback.New(g)
	embedder := embed.New(embed.Options{Primary: provider, Manager: mgr})

	c := New(Options{DB: db, Vec: vec, Embedder: embedder, Collection: "stub-model", Interval: time.Hour})
	return c, db, vec
}

func TestReconcileUpsertsPendingNote(t *testing.T) {
	c, db, vec := newTestCoordinator(t)

	note := &relstore.Note{ID: "n1", Title: "Title", Body: "Body", SourceType: "text", ContentHash: "h1"}
	if err := db.InsertNote(note); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}

	upserted, purged, err := c.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if upserted != 1 || purged != 0 {
		t.Fatalf("expected 1 upsert/0 purge, got upserted=%d purged=%d", upserted, purged)
	}

	hash, found, err := vec.ContentHash("stub-model", "n1")
	if err != nil || !found || hash != "h1" {
		t.Fatalf("expected vector row with content hash h1, got found=%v hash=%q err=%v", found, hash, err)
	}
}

func TestReconcileSkipsUnchangedContentHash(t *testing.T) {
	c, db, _ := newTestCoordinator(t)

	note := &relstore.Note{ID: "n1", Title: "Title", Body: "Body", SourceType: "text", ContentHash: "h1"}
	if err := db.InsertNote(note); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}
	if _, _, err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	// Touch updated_at without changing content_hash (e.g. a metadata-only
	// update elsewhere bumps it); a second reconciliation pass must not
	// re-embed.
	if _, err := db.Conn().Exec(`UPDATE notes SET updated_at = updated_at + 100 WHERE id = 'n1'`); err != nil {
		t.Fatalf("bump updated_at: %v", err)
	}

	upserted, _, err := c.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if upserted != 0 {
		t.Fatalf("expected no re-embedding for an unchanged content hash, got %d upserts", upserted)
	}
}

func TestReconcilePurgesDeletedNotes(t *testing.T) {
	c, db, vec := newTestCoordinator(t)

	note := &relstore.Note{ID: "n1", Title: "Title", Body: "Body", SourceType: "text", ContentHash: "h1"}
	if err := db.InsertNote(note); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}
	if _, _, err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if err := db.DeleteNote("n1"); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}

	_, purged, err := c.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged row, got %d", purged)
	}
	if _, found, _ := vec.ContentHash("stub-model", "n1"); found {
		t.Fatalf("expected vector row removed after purge")
	}
}
