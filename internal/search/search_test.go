package search

import (
	"context"
	"testing"

	"github.com/nescordvault/nescordvault/internal/embed"
	"github.com/nescordvault/nescordvault/internal/fallback"
	"github.com/nescordvault/nescordvault/internal/governor"
	"github.com/nescordvault/nescordvault/internal/relstore"
	"github.com/nescordvault/nescordvault/internal/vecstore"
)

type countingProvider struct {
	calls int
}

func (p *countingProvider) Name() string    { return "stub" }
func (p *countingProvider) Model() string   { return "stub-model" }
func (p *countingProvider) Dimensions() int { return 2 }
func (p *countingProvider) Embed(ctx context.Context, text string, purpose embed.Purpose) ([]float32, error) {
	p.calls++
	return []float32{1, 0}, nil
}

func newTestEngine(t *testing.T) (*Engine, *countingProvider) {
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

	provider := &countingProvider{}
	g := governor.New(1000000, nil, nil)
	mgr := fallback.New(g)
	embedder := embed.New(embed.Options{Primary: provider, Manager: mgr})

	notes := []*relstore.Note{
		{ID: "N1", Title: "Alpha notes", Body: "alpha content here", SourceType: "text", ContentHash: "h1"},
		{ID: "N2", Title: "Beta notes", Body: "beta and alpha content", SourceType: "text", ContentHash: "h2"},
	}
	for _, n := range notes {
		if err := db.InsertNote(n); err != nil {
			t.Fatalf("InsertNote: %v", err)
		}
		if err := vec.Upsert("stub-model", n.ID, []float32{1, 0}, n.ContentHash, nil); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := db.RebuildFTS(); err != nil {
		t.Fatalf("RebuildFTS: %v", err)
	}

	engine := New(Options{DB: db, Vec: vec, Embedder: embedder, Collection: "stub-model"})
	return engine, provider
}

func TestSearchHybridReturnsFusedResults(t *testing.T) {
	engine, _ := newTestEngine(t)

	results, err := engine.Search(context.Background(), "alpha", 5, ModeHybrid)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
}

func TestSearchCachesRepeatedQuery(t *testing.T) {
	engine, provider := newTestEngine(t)

	if _, err := engine.Search(context.Background(), "alpha", 5, ModeHybrid); err != nil {
		t.Fatalf("first search: %v", err)
	}
	firstCalls := provider.calls
	if firstCalls == 0 {
		t.Fatalf("expected the query embedding provider to be called at least once")
	}

	if _, err := engine.Search(context.Background(), "alpha", 5, ModeHybrid); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if provider.calls != firstCalls {
		t.Fatalf("expected cache hit to skip re-embedding, calls went from %d to %d", firstCalls, provider.calls)
	}
}

func TestSearchBumpEpochInvalidatesCache(t *testing.T) {
	engine, provider := newTestEngine(t)

	if _, err := engine.Search(context.Background(), "alpha", 5, ModeHybrid); err != nil {
		t.Fatalf("first search: %v", err)
	}
	firstCalls := provider.calls

	engine.BumpEpoch()

	if _, err := engine.Search(context.Background(), "alpha", 5, ModeHybrid); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if provider.calls <= firstCalls {
		t.Fatalf("expected epoch bump to force re-query, calls stayed at %d", provider.calls)
	}
}

func TestSearchVectorModeSkipsKeywordLeaf(t *testing.T) {
	engine, _ := newTestEngine(t)

	results, err := engine.Search(context.Background(), "nonexistent keyword term zzz", 5, ModeVector)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// Vector leaf still returns the two seeded notes since they share the
	// same stub embedding; the keyword-only term must not suppress them.
	if len(results) != 2 {
		t.Fatalf("expected 2 vector results regardless of keyword mismatch, got %d", len(results))
	}
}
