package vecstore

import "testing"

func TestUpsertAndQueryReturnsNearestFirst(t *testing.T) {
	s, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	if err := s.EnsureCollection("text-embedding-3-small", MetricCosine, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	if err := s.Upsert("text-embedding-3-small", "note-a", []float32{1, 0, 0, 0}, "hash-a", map[string]string{"title": "A"}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := s.Upsert("text-embedding-3-small", "note-b", []float32{0, 1, 0, 0}, "hash-b", map[string]string{"title": "B"}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	hits, err := s.Query("text-embedding-3-small", []float32{0.9, 0.1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].NoteID != "note-a" {
		t.Fatalf("expected note-a nearest, got %s", hits[0].NoteID)
	}
	if hits[0].Metadata["title"] != "A" {
		t.Fatalf("expected metadata round-tripped, got %v", hits[0].Metadata)
	}
}

func TestUpsertReplacesExistingVector(t *testing.T) {
	s, err := OpenMemory(2)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()
	if err := s.EnsureCollection("m", MetricCosine, 2); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := s.Upsert("m", "note-1", []float32{1, 0}, "h1", nil); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if err := s.Upsert("m", "note-1", []float32{0, 1}, "h2", nil); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}
	hits, err := s.Query("m", []float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ContentHash != "h2" {
		t.Fatalf("expected replaced vector/hash, got %+v", hits)
	}
}

func TestDeleteRemovesVector(t *testing.T) {
	s, err := OpenMemory(2)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()
	if err := s.EnsureCollection("m", MetricCosine, 2); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := s.Upsert("m", "note-1", []float32{1, 0}, "h1", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Delete("m", "note-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hits, err := s.Query("m", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits after delete, got %d", len(hits))
	}
}

func TestEnsureCollectionRejectsDimensionMismatch(t *testing.T) {
	s, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()
	if err := s.EnsureCollection("m", MetricCosine, 4); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := s.EnsureCollection("m", MetricCosine, 8); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestVerifyStartupRoundTripsCanary(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.VerifyStartup(dir); err != nil {
		t.Fatalf("VerifyStartup: %v", err)
	}
	hits, err := s.Query(canaryCollection, []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("query canary: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected canary record removed after VerifyStartup, got %d hits", len(hits))
	}
}

func TestEnsureCollectionRejectsInvalidName(t *testing.T) {
	s, err := OpenMemory(2)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()
	if err := s.EnsureCollection("bad name; DROP TABLE", MetricCosine, 2); err == nil {
		t.Fatalf("expected invalid collection name to be rejected")
	}
}
