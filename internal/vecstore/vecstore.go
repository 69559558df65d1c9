// Package vecstore implements the Vector Store (spec.md §4.C): an
// in-process vector index with on-disk persistence, one vec0 virtual
// table per embedding-model collection so a future model migration never
// loses vectors embedded under the old one. Grounded on the teacher's
// internal/store vault_notes_vec table and VectorSearch query shape,
// generalized from one fixed collection to named collections.
package vecstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Metric names a distance function a collection is created with.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// ErrStartupCheckFailed is returned by VerifyStartup when the persist
// directory isn't writable or the canary round-trip fails (spec.md §4.C:
// "failure aborts initialization with a distinct error kind").
var ErrStartupCheckFailed = fmt.Errorf("vecstore: startup verification failed")

// Store wraps the Vector Store's SQLite+sqlite-vec connection. Single
// process writer, thread-safe reads (spec.md §5).
type Store struct {
	conn *sql.DB
	mu   sync.Mutex
	dim  int
}

// Open opens or creates the Vector Store at dir/vectors.db.
func Open(dir string, dim int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vecstore: create persist dir: %w", err)
	}
	path := filepath.Join(dir, "vectors.db")
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vecstore: open: %w", err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		metric TEXT NOT NULL,
		dimensions INTEGER NOT NULL
	)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vecstore: init collections table: %w", err)
	}
	return &Store{conn: conn, dim: dim}, nil
}

// OpenMemory opens an in-memory Vector Store, for tests.
func OpenMemory(dim int) (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY, metric TEXT NOT NULL, dimensions INTEGER NOT NULL
	)`); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{conn: conn, dim: dim}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// collectionNamePattern bounds collection names to what's safe to splice
// into a `CREATE VIRTUAL TABLE ... USING vec0` statement — sqlite3's
// driver has no parameter-binding path for identifiers, so the table name
// must be validated before use, mirroring the Security Validator's
// filename containment discipline.
var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

func tableName(collection string) string {
	return "vec_" + collection
}

// EnsureCollection creates collection (a vec0 virtual table named for the
// embedding model it holds vectors for) if it doesn't already exist, with
// the given distance metric and dimensionality. Opening an existing
// collection with a different dimension is a fatal configuration error
// (spec.md §4.J: "dimension mismatch ... is a fatal configuration error").
func (s *Store) EnsureCollection(collection string, metric Metric, dims int) error {
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("vecstore: invalid collection name %q", collection)
	}
	if metric == "" {
		metric = MetricCosine
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existingMetric string
	var existingDims int
	err := s.conn.QueryRow(`SELECT metric, dimensions FROM collections WHERE name = ?`, collection).
		Scan(&existingMetric, &existingDims)
	if err == nil {
		if existingDims != dims {
			return fmt.Errorf("vecstore: collection %q dimension mismatch: stored %d, requested %d",
				collection, existingDims, dims)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("vecstore: check collection %q: %w", collection, err)
	}

	distanceClause := "cosine"
	if metric == MetricL2 {
		distanceClause = "l2"
	}
	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
		note_id TEXT PRIMARY KEY,
		embedding float[%d] distance_metric=%s,
		+content_hash TEXT,
		+metadata TEXT
	)`, tableName(collection), dims, distanceClause)
	if _, err := s.conn.Exec(stmt); err != nil {
		return fmt.Errorf("vecstore: create collection %q: %w", collection, err)
	}
	if _, err := s.conn.Exec(
		`INSERT INTO collections (name, metric, dimensions) VALUES (?, ?, ?)`,
		collection, string(metric), dims,
	); err != nil {
		return fmt.Errorf("vecstore: record collection %q: %w", collection, err)
	}
	return nil
}

// Upsert writes or replaces the vector for noteID in collection, recording
// contentHash (so Sync Coordinator reconciliation can skip no-ops) and an
// opaque metadata map used to reconstruct search hits without a join back
// to the Relational Store.
func (s *Store) Upsert(collection, noteID string, vector []float32, contentHash string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return fmt.Errorf("vecstore: serialize vector: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("vecstore: marshal metadata: %w", err)
	}

	_, err = s.conn.Exec(fmt.Sprintf(`
		INSERT INTO %s (note_id, embedding, content_hash, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET
			embedding = excluded.embedding,
			content_hash = excluded.content_hash,
			metadata = excluded.metadata`, tableName(collection)),
		noteID, raw, contentHash, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("vecstore: upsert %s/%s: %w", collection, noteID, err)
	}
	return nil
}

// Delete removes noteID's vector from collection, if present.
func (s *Store) Delete(collection, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(fmt.Sprintf(`DELETE FROM %s WHERE note_id = ?`, tableName(collection)), noteID)
	if err != nil {
		return fmt.Errorf("vecstore: delete %s/%s: %w", collection, noteID, err)
	}
	return nil
}

// ContentHash returns the content hash stored for noteID in collection,
// and whether a row exists at all — used by the Sync Coordinator to skip
// re-embedding a note whose body hasn't actually changed.
func (s *Store) ContentHash(collection, noteID string) (hash string, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.conn.QueryRow(fmt.Sprintf(`SELECT content_hash FROM %s WHERE note_id = ?`, tableName(collection)), noteID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("vecstore: content hash lookup %s/%s: %w", collection, noteID, err)
	}
	return hash, true, nil
}

// Hit is one KNN result: the note, its distance, and its stored metadata.
type Hit struct {
	NoteID      string
	Distance    float64
	ContentHash string
	Metadata    map[string]string
}

// Query returns the top-k nearest records to queryVec in collection.
func (s *Store) Query(collection string, queryVec []float32, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	raw, err := sqlite_vec.SerializeFloat32(queryVec)
	if err != nil {
		return nil, fmt.Errorf("vecstore: serialize query vector: %w", err)
	}

	rows, err := s.conn.Query(fmt.Sprintf(`
		SELECT note_id, distance, content_hash, metadata FROM %s
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, tableName(collection)),
		raw, k,
	)
	if err != nil {
		return nil, fmt.Errorf("vecstore: query %s: %w", collection, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var metaJSON string
		if err := rows.Scan(&h.NoteID, &h.Distance, &h.ContentHash, &metaJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &h.Metadata)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// vec0's MATCH ordering is already by distance, but sort explicitly
	// so ties are deterministic across sqlite-vec versions.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// canaryCollection/canaryNoteID are the fixed identifiers VerifyStartup
// round-trips through, never exposed outside this file.
const (
	canaryCollection = "__canary__"
	canaryNoteID     = "__canary_note__"
)

// VerifyStartup performs spec.md §4.C's startup verification pass: the
// persist directory is writable, and a canary record can be added,
// retrieved, and removed. Returns ErrStartupCheckFailed (wrapped with
// detail) on any failure, distinct from ordinary query errors.
func (s *Store) VerifyStartup(dir string) error {
	probe := filepath.Join(dir, ".vecstore-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("%w: persist dir not writable: %v", ErrStartupCheckFailed, err)
	}
	_ = os.Remove(probe)

	dim := s.dim
	if dim <= 0 {
		dim = 8
	}
	if err := s.EnsureCollection(canaryCollection, MetricCosine, dim); err != nil {
		return fmt.Errorf("%w: create canary collection: %v", ErrStartupCheckFailed, err)
	}
	vec := make([]float32, dim)
	vec[0] = 1
	if err := s.Upsert(canaryCollection, canaryNoteID, vec, "canary", nil); err != nil {
		return fmt.Errorf("%w: add canary record: %v", ErrStartupCheckFailed, err)
	}
	hits, err := s.Query(canaryCollection, vec, 1)
	if err != nil || len(hits) == 0 || hits[0].NoteID != canaryNoteID {
		return fmt.Errorf("%w: retrieve canary record: %v", ErrStartupCheckFailed, err)
	}
	if err := s.Delete(canaryCollection, canaryNoteID); err != nil {
		return fmt.Errorf("%w: remove canary record: %v", ErrStartupCheckFailed, err)
	}
	return nil
}
