package relstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Note is the Relational Store's row shape for a single knowledge item
// (spec.md §3 Note entity). The vector embedding derived from it lives in
// the Vector Store, not here — the Relational Store stays the single
// source of truth and the Vector Store is a derived index kept in sync by
// the Sync Coordinator.
type Note struct {
	ID              string
	ChannelID       string
	AuthorID        string
	Title           string
	TitleNormalized string // NFKC-normalized, lowercased title, for dangling-link resolution
	Body            string
	SourceType      string // fleeting, voice, manual, merged, permanent (spec.md §3)
	Tags            string // JSON array string, matching the teacher's vault_notes.tags convention
	PrivacyLevel    string
	OriginRef       string // opaque reference to the originating chat event, nullable
	CreatedAt       int64
	UpdatedAt       int64
	ContentHash     string
	Deleted         bool
	VectorSyncedAt  int64
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("relstore: not found")

// InsertNote inserts a new note row.
func (db *DB) InsertNote(n *Note) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := n.CreatedAt
	if now == 0 {
		now = time.Now().Unix()
	}
	_, err := db.conn.Exec(`
		INSERT INTO notes (id, channel_id, author_id, title, title_normalized, body, source_type, tags,
			privacy_level, origin_ref, created_at, updated_at, content_hash, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		n.ID, n.ChannelID, n.AuthorID, n.Title, n.TitleNormalized, n.Body, n.SourceType, n.Tags,
		n.PrivacyLevel, n.OriginRef, now, now, n.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// UpdateNote overwrites an existing note's mutable fields (title, body,
// tags) and bumps updated_at — used by Knowledge Manager's update and merge
// operations.
func (db *DB) UpdateNote(id, title, titleNormalized, body, tags, contentHash string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		UPDATE notes SET title = ?, title_normalized = ?, body = ?, tags = ?, content_hash = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`,
		title, titleNormalized, body, tags, contentHash, time.Now().Unix(), id,
	)
	return err
}

// GetNote fetches a single note by ID. Returns ErrNotFound if absent or
// soft-deleted.
func (db *DB) GetNote(id string) (*Note, error) {
	row := db.conn.QueryRow(`
		SELECT id, channel_id, author_id, title, title_normalized, body, source_type, tags, privacy_level,
			origin_ref, created_at, updated_at, content_hash, deleted, vector_synced_at
		FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n.Deleted {
		return nil, ErrNotFound
	}
	return n, nil
}

// DeleteNote soft-deletes a note by ID (notes are never hard-deleted from
// the Relational Store — the Vector Store's matching record is removed by
// the Sync Coordinator on the next reconciliation pass).
func (db *DB) DeleteNote(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`UPDATE notes SET deleted = 1, updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

// NotesSince returns notes with updated_at >= since, ordered oldest first.
// Used by the Sync Coordinator's reconciliation scan.
func (db *DB) NotesSince(since int64, limit int) ([]*Note, error) {
	rows, err := db.conn.Query(`
		SELECT id, channel_id, author_id, title, title_normalized, body, source_type, tags, privacy_level,
			origin_ref, created_at, updated_at, content_hash, deleted, vector_synced_at
		FROM notes WHERE updated_at >= ? ORDER BY updated_at ASC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NotesPendingSync returns non-deleted notes where updated_at is strictly
// newer than vector_synced_at, the Sync Coordinator's reconciliation scan
// (spec.md §4.L), ordered oldest-updated first so a crash mid-batch
// resumes roughly where it left off.
func (db *DB) NotesPendingSync(limit int) ([]*Note, error) {
	rows, err := db.conn.Query(`
		SELECT id, channel_id, author_id, title, title_normalized, body, source_type, tags, privacy_level,
			origin_ref, created_at, updated_at, content_hash, deleted, vector_synced_at
		FROM notes
		WHERE deleted = 0 AND updated_at > vector_synced_at
		ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeletedNoteIDs returns IDs of soft-deleted notes, so the Sync
// Coordinator can purge their lingering Vector Store rows.
func (db *DB) DeletedNoteIDs() ([]string, error) {
	rows, err := db.conn.Query(`SELECT id FROM notes WHERE deleted = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkVectorSynced updates vector_synced_at for id, called after a
// successful Vector Store upsert.
func (db *DB) MarkVectorSynced(id string, syncedAt int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`UPDATE notes SET vector_synced_at = ? WHERE id = ?`, syncedAt, id)
	return err
}

// PurgeDeletedNote hard-deletes a soft-deleted note row once its Vector
// Store counterpart has been removed, so deleted-note bookkeeping doesn't
// grow unbounded.
func (db *DB) PurgeDeletedNote(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`DELETE FROM notes WHERE id = ? AND deleted = 1`, id)
	return err
}

// NoteIDByNormalizedTitle finds a non-deleted note whose title_normalized
// matches exactly, for dangling-link resolution (spec.md §4.M). Returns
// ("", false, nil) if no note has that title.
func (db *DB) NoteIDByNormalizedTitle(titleNormalized string) (string, bool, error) {
	var id string
	err := db.conn.QueryRow(
		`SELECT id FROM notes WHERE title_normalized = ? AND deleted = 0 LIMIT 1`, titleNormalized,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// AllNoteIDs returns every non-deleted note ID, used by the Vector Store
// canary check to detect drift between the two stores.
func (db *DB) AllNoteIDs() (map[string]bool, error) {
	rows, err := db.conn.Query(`SELECT id FROM notes WHERE deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(s scanner) (*Note, error) {
	var n Note
	var deleted int
	err := s.Scan(&n.ID, &n.ChannelID, &n.AuthorID, &n.Title, &n.TitleNormalized, &n.Body, &n.SourceType, &n.Tags,
		&n.PrivacyLevel, &n.OriginRef, &n.CreatedAt, &n.UpdatedAt, &n.ContentHash, &deleted, &n.VectorSyncedAt)
	if err != nil {
		return nil, err
	}
	n.Deleted = deleted != 0
	return &n, nil
}
