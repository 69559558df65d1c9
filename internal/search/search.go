package search

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nescordvault/nescordvault/internal/embed"
	"github.com/nescordvault/nescordvault/internal/relstore"
	"github.com/nescordvault/nescordvault/internal/vecstore"
)

// Mode selects which leaf(s) Search consults (spec.md §4.N).
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
	ModeHybrid  Mode = "hybrid"
)

// kMax bounds how wide the effective per-leaf candidate pool can grow,
// matching the teacher's VectorSearch TopK cap of 100.
const kMax = 100

// overlapWidenThreshold: below this overlap ratio between the two leaf
// lists, Search widens the candidate pool once to avoid starving the fusion
// of candidates that only one leaf happened to surface (spec.md §4.N).
const overlapWidenThreshold = 0.2

const (
	cacheCapacity = 100
	cacheTTL      = 300 * time.Second
)

// Result is one ranked Hybrid Search hit. Hydration into a full Note
// (component M, per spec.md §4 component table: "(C) → RRF fuse → (M)
// hydrate → response") is the caller's job — Search only ranks IDs.
type Result struct {
	NoteID string
	Rank   int // 0-indexed position in the final fused/ordered list
}

// Engine is the Hybrid Search component.
type Engine struct {
	db         *relstore.DB
	vec        *vecstore.Store
	embedder   *embed.Adapter
	collection string
	cache      *resultCache
	epoch      int64
}

// Options configures an Engine.
type Options struct {
	DB         *relstore.DB
	Vec        *vecstore.Store
	Embedder   *embed.Adapter
	Collection string
}

// New constructs an Engine.
func New(opts Options) *Engine {
	return &Engine{
		db:         opts.DB,
		vec:        opts.Vec,
		embedder:   opts.Embedder,
		collection: opts.Collection,
		cache:      newResultCache(cacheCapacity, cacheTTL),
	}
}

// BumpEpoch invalidates the result cache by advancing corpus_epoch — called
// by any write that could change ranking (note create/update/delete,
// reconciliation upsert), per spec.md §4.N's cache key.
func (e *Engine) BumpEpoch() {
	atomic.AddInt64(&e.epoch, 1)
}

func (e *Engine) epochValue() int64 {
	return atomic.LoadInt64(&e.epoch)
}

// Search ranks notes matching query under mode, returning up to k results
// best-first. Results are served from cache when a prior identical
// (normalized_query, k, mode, corpus_epoch) lookup is still fresh.
func (e *Engine) Search(ctx context.Context, query string, k int, mode Mode) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	if mode == "" {
		mode = ModeHybrid
	}

	normalized := embed.Normalize(query)
	epoch := e.epochValue()
	cacheKey := fmt.Sprintf("%s|%d|%s|%d", normalized, k, mode, epoch)

	if ids, ok := e.cache.get(cacheKey); ok {
		return toResults(ids), nil
	}

	var ids []string
	var err error
	switch mode {
	case ModeVector:
		ids, err = e.vectorLeaf(ctx, normalized, effectiveK(k))
	case ModeKeyword:
		ids, err = e.keywordLeaf(normalized, effectiveK(k))
	default:
		ids, err = e.hybrid(ctx, normalized, k)
	}
	if err != nil {
		return nil, err
	}

	if len(ids) > k {
		ids = ids[:k]
	}
	e.cache.put(cacheKey, ids)
	return toResults(ids), nil
}

// hybrid runs both leaves and fuses them via RRF, widening the effective
// leaf k once if the two leaf lists barely overlap.
func (e *Engine) hybrid(ctx context.Context, normalizedQuery string, k int) ([]string, error) {
	leafK := effectiveK(k)

	vIDs, kIDs, err := e.fetchLeaves(ctx, normalizedQuery, leafK)
	if err != nil {
		return nil, err
	}

	if leafK < kMax && overlapRatio(vIDs, kIDs, leafK) < overlapWidenThreshold {
		widened := leafK * 2
		if widened > kMax {
			widened = kMax
		}
		if widened > leafK {
			vIDs, kIDs, err = e.fetchLeaves(ctx, normalizedQuery, widened)
			if err != nil {
				return nil, err
			}
		}
	}

	return Fuse(vIDs, kIDs), nil
}

func (e *Engine) fetchLeaves(ctx context.Context, normalizedQuery string, leafK int) (vIDs, kIDs []string, err error) {
	vIDs, err = e.vectorLeaf(ctx, normalizedQuery, leafK)
	if err != nil {
		return nil, nil, err
	}
	kIDs, err = e.keywordLeaf(normalizedQuery, leafK)
	if err != nil {
		return nil, nil, err
	}
	return vIDs, kIDs, nil
}

func (e *Engine) vectorLeaf(ctx context.Context, normalizedQuery string, leafK int) ([]string, error) {
	queryVec, err := e.embedder.GetQueryEmbedding(ctx, normalizedQuery)
	if err != nil {
		return nil, fmt.Errorf("search: query embedding: %w", err)
	}
	hits, err := e.vec.Query(e.collection, queryVec, leafK)
	if err != nil {
		return nil, fmt.Errorf("search: vector leaf: %w", err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.NoteID
	}
	return ids, nil
}

func (e *Engine) keywordLeaf(normalizedQuery string, leafK int) ([]string, error) {
	ids, err := e.db.KeywordSearch(normalizedQuery, leafK)
	if err != nil {
		return nil, fmt.Errorf("search: keyword leaf: %w", err)
	}
	return ids, nil
}

// effectiveK is spec.md §4.N's k_leaf = min(k_max, max(k, 2k)), which
// simplifies to min(k_max, 2k) for any non-negative k.
func effectiveK(k int) int {
	leaf := k * 2
	if leaf > kMax {
		leaf = kMax
	}
	if leaf < k {
		leaf = k
	}
	return leaf
}

// overlapRatio is |V ∩ K| / leafK, the signal used to decide whether the
// candidate pool needs widening.
func overlapRatio(vIDs, kIDs []string, leafK int) float64 {
	if leafK == 0 {
		return 1
	}
	inV := make(map[string]bool, len(vIDs))
	for _, id := range vIDs {
		inV[id] = true
	}
	overlap := 0
	for _, id := range kIDs {
		if inV[id] {
			overlap++
		}
	}
	return float64(overlap) / float64(leafK)
}

func toResults(ids []string) []Result {
	out := make([]Result, len(ids))
	for i, id := range ids {
		out[i] = Result{NoteID: id, Rank: i}
	}
	return out
}
