package relstore

// Link is a directed reference extracted from a note's body — a
// `[[wiki-link]]` token — mirroring spec.md §3's Link entity. A dangling
// link has an empty ToNoteID and resolves by normalized-title match when a
// matching note is later created.
type Link struct {
	ID          int64
	FromNoteID  string
	ToNoteID    string // empty until resolved
	TargetTitle string // raw token text, whitespace preserved (spec.md §4.M)
	Kind        string // reference, merged_from
	Dangling    bool
}

// UpsertLink idempotently records a link extracted from a note, matching
// the teacher's UpsertNode/UpsertEdge upsert idiom: re-extracting the same
// note twice must not duplicate edges. targetTitleNormalized is the
// NFKC-normalized, lowercased form used for resolution lookups; targetTitle
// preserves the original extracted token verbatim.
func (db *DB) UpsertLink(fromNoteID, toNoteID, targetTitle, targetTitleNormalized, kind string, dangling bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		INSERT INTO links (from_note_id, to_note_id, target_title, target_title_normalized, kind, dangling)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_note_id, target_title, kind) DO UPDATE SET
			to_note_id = excluded.to_note_id,
			target_title_normalized = excluded.target_title_normalized,
			dangling = excluded.dangling`,
		fromNoteID, toNoteID, targetTitle, targetTitleNormalized, kind, boolToInt(dangling),
	)
	return err
}

// DeleteLinksFrom removes every outgoing link from fromNoteID, used by
// update_note to replace the full outgoing link set with a freshly
// re-extracted one rather than computing a field-level diff.
func (db *DB) DeleteLinksFrom(fromNoteID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`DELETE FROM links WHERE from_note_id = ?`, fromNoteID)
	return err
}

// LinksFrom returns every link originating at noteID.
func (db *DB) LinksFrom(noteID string) ([]*Link, error) {
	return db.queryLinks(`SELECT id, from_note_id, to_note_id, target_title, kind, dangling FROM links WHERE from_note_id = ?`, noteID)
}

// MarkIncomingLinksDangling tombstones every resolved link pointing at
// deletedNoteID: to_note_id is cleared and dangling set, so the link is
// preserved for audit (spec.md §3: "preserved for audit and possible
// resurrection") and becomes eligible to re-resolve if a note with the same
// title is created again (spec.md §4.M scenario S4).
func (db *DB) MarkIncomingLinksDangling(deletedNoteID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`UPDATE links SET to_note_id = '', dangling = 1 WHERE to_note_id = ?`, deletedNoteID,
	)
	return err
}

// DanglingLinksForTitle returns links whose normalized target title matches
// titleNormalized and which are currently unresolved — used by Knowledge
// Manager when a new note's title happens to satisfy an earlier dangling
// link (spec.md scenario S4).
func (db *DB) DanglingLinksForTitle(titleNormalized string) ([]*Link, error) {
	return db.queryLinks(
		`SELECT id, from_note_id, to_note_id, target_title, kind, dangling
		 FROM links WHERE target_title_normalized = ? AND dangling = 1`,
		titleNormalized,
	)
}

// ResolveLink marks a previously dangling link as resolved to toNoteID.
// Deliberately does not touch the from-note's updated_at (spec.md §4.M
// scenario S4: resolution happens "without any update to N2's updated_at").
func (db *DB) ResolveLink(linkID int64, toNoteID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`UPDATE links SET to_note_id = ?, dangling = 0 WHERE id = ?`, toNoteID, linkID)
	return err
}

func (db *DB) queryLinks(query string, args ...any) ([]*Link, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Link
	for rows.Next() {
		var l Link
		var dangling int
		if err := rows.Scan(&l.ID, &l.FromNoteID, &l.ToNoteID, &l.TargetTitle, &l.Kind, &dangling); err != nil {
			return nil, err
		}
		l.Dangling = dangling != 0
		out = append(out, &l)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
