// Package relstore implements the Relational Store: the source-of-truth
// SQLite database holding notes, links, the durable write queue, usage
// accounting, and privacy rule configuration.
package relstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// migrationChecksumOverrideEnv, when set to "1", lets startup proceed past
// a migration checksum mismatch (spec.md §4.B: "mismatch is a fatal error
// unless an explicit override flag is set").
const migrationChecksumOverrideEnv = "NESCORDVAULT_MIGRATION_CHECKSUM_OVERRIDE"

// DB wraps the Relational Store's SQLite connection. Writes are serialized
// through mu the way the teacher's store.DB does, since SQLite allows only
// one writer at a time regardless of WAL mode.
type DB struct {
	conn         *sql.DB
	mu           sync.Mutex
	ftsAvailable bool
}

// Open opens or creates the Relational Store at path, running all
// migrations.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory Relational Store, for tests.
func OpenMemory() (*DB, error) {
	return Open(":memory:")
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying *sql.DB for callers needing direct queries
// (e.g. the Sync Coordinator's reconciliation scan).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// FTSAvailable reports whether the FTS5 virtual table was created
// successfully at migration time.
func (db *DB) FTSAvailable() bool {
	return db.ftsAvailable
}

func (db *DB) migrate() error {
	baseline := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			source_type TEXT NOT NULL DEFAULT 'text',
			tags TEXT NOT NULL DEFAULT '[]',
			privacy_level TEXT NOT NULL DEFAULT 'medium',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_channel ON notes(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_author ON notes(author_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_hash ON notes(content_hash)`,

		`CREATE TABLE IF NOT EXISTS links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_note_id TEXT NOT NULL,
			to_note_id TEXT NOT NULL DEFAULT '',
			target_title TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'link',
			dangling INTEGER NOT NULL DEFAULT 0,
			UNIQUE(from_note_id, target_title, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_from ON links(from_note_id)`,
		`CREATE INDEX IF NOT EXISTS idx_links_to ON links(to_note_id)`,
		`CREATE INDEX IF NOT EXISTS idx_links_dangling ON links(dangling)`,

		`CREATE TABLE IF NOT EXISTS queue_items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			idempotency_key TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			available_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status, available_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue_items(lease_expires_at)`,

		`CREATE TABLE IF NOT EXISTS dead_items (
			seq INTEGER PRIMARY KEY,
			idempotency_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			died_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			period TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			operation TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_period ON usage_records(period)`,

		`CREATE TABLE IF NOT EXISTS privacy_rules (
			name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
	}

	for _, stmt := range baseline {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}

	currentVersion := db.SchemaVersion()
	versioned := []struct {
		version int
		fn      func() error
		sql     string // source text checksummed for drift detection
	}{
		{1, db.migrateV1, "v1:noop"},
		{2, db.migrateV2Fts, "v2:fts5"},
		{3, db.migrateV3QueuePriority, "v3:queue_priority_and_idempotency_nullable"},
		{4, db.migrateV4VectorSyncedAt, "v4:notes_vector_synced_at"},
		{5, db.migrateV5NoteOriginAndTitle, "v5:notes_origin_ref_and_title_normalized"},
		{6, db.migrateV6LinkTargetTitleNormalized, "v6:links_target_title_normalized"},
		{7, db.migrateV7FtsTriggers, "v7:notes_fts_sync_triggers"},
	}
	for _, m := range versioned {
		sum := checksum(m.sql)
		if currentVersion >= m.version {
			if err := db.verifyMigrationChecksum(m.version, sum); err != nil {
				return err
			}
			continue
		}
		if err := m.fn(); err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if err := db.SetMeta("schema_version", strconv.Itoa(m.version)); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := db.SetMeta(checksumKey(m.version), sum); err != nil {
			return fmt.Errorf("record migration v%d checksum: %w", m.version, err)
		}
	}
	return nil
}

func checksumKey(version int) string {
	return fmt.Sprintf("migration_checksum_v%d", version)
}

func checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// verifyMigrationChecksum confirms a previously-applied migration's
// recorded checksum still matches its current source text. A mismatch
// means the binary's migration definitions drifted from what was actually
// applied to this database — spec.md §4.B treats that as fatal unless
// migrationChecksumOverrideEnv is set.
func (db *DB) verifyMigrationChecksum(version int, want string) error {
	got, ok := db.GetMeta(checksumKey(version))
	if !ok {
		// Pre-existing database from before checksums were recorded:
		// backfill rather than fail, matching the teacher's forgiving
		// migration posture for already-applied baseline steps.
		return db.SetMeta(checksumKey(version), want)
	}
	if got == want {
		return nil
	}
	if os.Getenv(migrationChecksumOverrideEnv) == "1" {
		return nil
	}
	return fmt.Errorf("migration v%d checksum mismatch (recorded %s, computed %s): set %s=1 to override",
		version, got, want, migrationChecksumOverrideEnv)
}

// migrateV3QueuePriority adds the Persistent Queue's priority column
// (spec.md §3 QueueItem.priority) and relaxes idempotency_key's NOT NULL
// constraint isn't possible via ALTER TABLE in SQLite, so enqueue always
// supplies a key — generating a random one when the caller doesn't care
// about idempotency — and this migration only adds the missing column.
func (db *DB) migrateV3QueuePriority() error {
	if !db.hasColumn("queue_items", "priority") {
		if _, err := db.conn.Exec(`ALTER TABLE queue_items ADD COLUMN priority INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add priority column: %w", err)
		}
		if _, err := db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_queue_priority ON queue_items(status, priority DESC, seq ASC)`); err != nil {
			return fmt.Errorf("add priority index: %w", err)
		}
	}
	return nil
}

// migrateV4VectorSyncedAt adds the Sync Coordinator's bookkeeping column
// (spec.md §4.L: reconciliation scans `updated_at > coalesce
// (vector_synced_at, 0)`). Zero means never synced.
func (db *DB) migrateV4VectorSyncedAt() error {
	if !db.hasColumn("notes", "vector_synced_at") {
		if _, err := db.conn.Exec(`ALTER TABLE notes ADD COLUMN vector_synced_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add vector_synced_at column: %w", err)
		}
		if _, err := db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_notes_sync ON notes(vector_synced_at)`); err != nil {
			return fmt.Errorf("add vector_synced_at index: %w", err)
		}
	}
	return nil
}

// migrateV5NoteOriginAndTitle adds the Knowledge Manager's origin
// tracking (spec.md §3 Note.origin_ref) and a case/Unicode-normalized
// title column so dangling-link resolution (§4.M, scenario S4) can match
// `[[Title]]` tokens case-insensitively after NFKC normalization without a
// full table scan.
func (db *DB) migrateV5NoteOriginAndTitle() error {
	if !db.hasColumn("notes", "origin_ref") {
		if _, err := db.conn.Exec(`ALTER TABLE notes ADD COLUMN origin_ref TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add origin_ref column: %w", err)
		}
	}
	if !db.hasColumn("notes", "title_normalized") {
		if _, err := db.conn.Exec(`ALTER TABLE notes ADD COLUMN title_normalized TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add title_normalized column: %w", err)
		}
		if _, err := db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_notes_title_normalized ON notes(title_normalized)`); err != nil {
			return fmt.Errorf("add title_normalized index: %w", err)
		}
	}
	return nil
}

// migrateV6LinkTargetTitleNormalized adds the Knowledge Manager's
// dangling-link resolution lookup column: links are stored with the raw
// extracted `[[Title]]` token for display, but resolution (spec.md §4.M,
// scenario S4) needs an NFKC-normalized, lowercased comparison.
func (db *DB) migrateV6LinkTargetTitleNormalized() error {
	if !db.hasColumn("links", "target_title_normalized") {
		if _, err := db.conn.Exec(`ALTER TABLE links ADD COLUMN target_title_normalized TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add target_title_normalized column: %w", err)
		}
		if _, err := db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_links_target_title_normalized ON links(target_title_normalized)`); err != nil {
			return fmt.Errorf("add target_title_normalized index: %w", err)
		}
	}
	return nil
}

// migrateV1 is the version-tracking baseline, matching the teacher's
// no-op v1 migration.
func (db *DB) migrateV1() error {
	return nil
}

// migrateV2Fts creates the FTS5 virtual table used by Hybrid Search's
// keyword leaf. Mirrors the teacher's content=/content_rowid= sync-table
// trick so the index stores only tokens, not duplicated text. FTS5 may be
// unavailable in some SQLite builds; failure here is non-fatal and Hybrid
// Search falls back to a LIKE-based keyword leaf (spec.md §4.N).
func (db *DB) migrateV2Fts() error {
	_, err := db.conn.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
		id UNINDEXED, title, body,
		content=notes, content_rowid=rowid
	)`)
	if err != nil {
		db.ftsAvailable = false
		return nil
	}
	db.ftsAvailable = true
	_, _ = db.conn.Exec(`INSERT INTO notes_fts(notes_fts) VALUES('rebuild')`)
	return nil
}

// migrateV7FtsTriggers wires notes_fts to the notes table's own
// insert/update/delete so the Knowledge Manager's create_note/update_note
// never needs to call RebuildFTS itself — the external-content FTS5 table
// otherwise only reflects whatever existed at the last explicit rebuild.
// No-op when FTS5 is unavailable.
func (db *DB) migrateV7FtsTriggers() error {
	if !db.ftsAvailable {
		return nil
	}
	stmts := []string{
		`CREATE TRIGGER IF NOT EXISTS notes_fts_ai AFTER INSERT ON notes BEGIN
			INSERT INTO notes_fts(rowid, id, title, body) VALUES (new.rowid, new.id, new.title, new.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS notes_fts_ad AFTER DELETE ON notes BEGIN
			INSERT INTO notes_fts(notes_fts, rowid, id, title, body) VALUES('delete', old.rowid, old.id, old.title, old.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS notes_fts_au AFTER UPDATE ON notes BEGIN
			INSERT INTO notes_fts(notes_fts, rowid, id, title, body) VALUES('delete', old.rowid, old.id, old.title, old.body);
			INSERT INTO notes_fts(rowid, id, title, body) VALUES (new.rowid, new.id, new.title, new.body);
		END`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return fmt.Errorf("create fts sync trigger: %w", err)
		}
	}
	return nil
}

// RebuildFTS rebuilds the FTS5 index from the notes table. No-op when FTS5
// is unavailable.
func (db *DB) RebuildFTS() error {
	if !db.ftsAvailable {
		return nil
	}
	_, err := db.conn.Exec(`INSERT INTO notes_fts(notes_fts) VALUES('rebuild')`)
	return err
}

// SchemaVersion returns the current schema version (0 if unset).
func (db *DB) SchemaVersion() int {
	v, ok := db.GetMeta("schema_version")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// GetMeta reads a value from schema_meta. Returns ("", false) if absent.
func (db *DB) GetMeta(key string) (string, bool) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetMeta writes a key-value pair to schema_meta.
func (db *DB) SetMeta(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`INSERT INTO schema_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// hasColumn reports whether table currently has column, used by future
// additive migrations the way the teacher's db.go does.
func (db *DB) hasColumn(table, column string) bool {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defaultV sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &pk); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

// IntegrityCheck runs PRAGMA integrity_check and errors on any corruption.
func (db *DB) IntegrityCheck() error {
	var result string
	if err := db.conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
