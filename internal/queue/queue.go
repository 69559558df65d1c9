// Package queue implements the Persistent Queue (spec.md §4.D): a
// crash-safe, at-least-once, idempotent FIFO-with-priority backed by the
// Relational Store's queue_items/dead_items tables. It is the sole writer
// to those tables; producers and the Batch Processor interact only
// through this API.
package queue

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nescordvault/nescordvault/internal/relstore"
)

// ErrBackpressure is returned by Enqueue when the pending count is at or
// above the soft cap (spec.md §5 Backpressure).
var ErrBackpressure = errors.New("queue: backpressure, pending items at soft cap")

// DefaultSoftCap is the default pending-item soft cap (spec.md §5).
const DefaultSoftCap = 10_000

// DefaultMaxAttempts is the default retry ceiling before dead-lettering
// (spec.md §4.D, overridable via QUEUE_MAX_ATTEMPTS).
const DefaultMaxAttempts = 5

// Item is one leased or pending row, decoded for a caller.
type Item struct {
	Seq        int64
	Payload    []byte
	Attempts   int
	LeaseToken string
}

// Queue wraps the Relational Store with the Persistent Queue's API.
type Queue struct {
	db          *relstore.DB
	maxAttempts int
	softCap     int
}

// New builds a Queue over db. maxAttempts <= 0 uses DefaultMaxAttempts;
// softCap <= 0 uses DefaultSoftCap.
func New(db *relstore.DB, maxAttempts, softCap int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	return &Queue{db: db, maxAttempts: maxAttempts, softCap: softCap}
}

func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Enqueue inserts a pending row. When idempotencyKey is non-empty and
// duplicates a non-terminal row, it returns that row's seq without
// inserting (spec.md §4.D, R2). An empty idempotencyKey gets a random
// internal key so the column's UNIQUE constraint is always satisfiable
// without granting the caller idempotency it didn't ask for.
func (q *Queue) Enqueue(payload []byte, priority int, idempotencyKey string, visibleAt time.Time) (seq int64, err error) {
	pending, err := q.PendingCount()
	if err != nil {
		return 0, fmt.Errorf("queue: count pending: %w", err)
	}
	if pending >= q.softCap {
		return 0, ErrBackpressure
	}

	key := idempotencyKey
	if key == "" {
		key = "auto:" + randomToken()
	} else if existing, ok, err := q.findNonTerminal(key); err != nil {
		return 0, err
	} else if ok {
		return existing, nil
	}

	now := time.Now().Unix()
	avail := now
	if !visibleAt.IsZero() {
		avail = visibleAt.Unix()
	}

	res, err := q.db.Conn().Exec(`
		INSERT INTO queue_items (idempotency_key, payload, status, attempts, max_attempts,
			priority, available_at, created_at, updated_at)
		VALUES (?, ?, 'pending', 0, ?, ?, ?, ?, ?)`,
		key, payload, q.maxAttempts, priority, avail, now, now,
	)
	if err != nil {
		// Lost the race against a concurrent producer with the same
		// idempotency key: fetch and return its seq instead of failing.
		if existing, ok, ferr := q.findNonTerminal(key); ferr == nil && ok {
			return existing, nil
		}
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	return res.LastInsertId()
}

func (q *Queue) findNonTerminal(key string) (seq int64, ok bool, err error) {
	err = q.db.Conn().QueryRow(`
		SELECT seq FROM queue_items WHERE idempotency_key = ? AND status IN ('pending','leased')`,
		key,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// PendingCount returns the number of rows currently in status=pending,
// used for both backpressure (§5) and status reporting.
func (q *Queue) PendingCount() (int, error) {
	var n int
	err := q.db.Conn().QueryRow(`SELECT COUNT(*) FROM queue_items WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// Depth returns counts per status, for `status`/`doctor` CLI reporting.
func (q *Queue) Depth() (map[string]int, error) {
	rows, err := q.db.Conn().Query(`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// DeadLetterCount returns the number of archived DeadItems.
func (q *Queue) DeadLetterCount() (int, error) {
	var n int
	err := q.db.Conn().QueryRow(`SELECT COUNT(*) FROM dead_items`).Scan(&n)
	return n, err
}

// Lease atomically selects up to batchSize rows in status=pending with
// available_at <= now, ordered by (priority DESC, seq ASC), and
// transitions them to leased with a fresh lease token and expiry
// (spec.md §4.D `lease`).
func (q *Queue) Lease(batchSize int, leaseDuration time.Duration) ([]Item, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	tx, err := q.db.Conn().Begin()
	if err != nil {
		return nil, fmt.Errorf("queue: lease begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().Unix()
	rows, err := tx.Query(`
		SELECT seq, payload, attempts FROM queue_items
		WHERE status = 'pending' AND available_at <= ?
		ORDER BY priority DESC, seq ASC
		LIMIT ?`, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("queue: lease select: %w", err)
	}

	type candidate struct {
		seq      int64
		payload  []byte
		attempts int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.seq, &c.payload, &c.attempts); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leaseExpires := time.Now().Add(leaseDuration).Unix()
	items := make([]Item, 0, len(candidates))
	for _, c := range candidates {
		token := randomToken()
		res, err := tx.Exec(`
			UPDATE queue_items SET status = 'leased', lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE seq = ? AND status = 'pending'`,
			token, leaseExpires, time.Now().Unix(), c.seq,
		)
		if err != nil {
			return nil, fmt.Errorf("queue: lease update seq %d: %w", c.seq, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue // another consumer (in another process) won the race
		}
		items = append(items, Item{Seq: c.seq, Payload: c.payload, Attempts: c.attempts, LeaseToken: token})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: lease commit: %w", err)
	}
	return items, nil
}

// Complete marks seq done iff leaseToken matches and the row is still
// leased. A mismatched or already-terminal call is a no-op, not an error
// (spec.md P2: a second complete for the same lease is a no-op).
func (q *Queue) Complete(seq int64, leaseToken string) error {
	_, err := q.db.Conn().Exec(`
		UPDATE queue_items SET status = 'done', updated_at = ?
		WHERE seq = ? AND lease_owner = ? AND status = 'leased'`,
		time.Now().Unix(), seq, leaseToken,
	)
	return err
}

// Fail increments attempts, sets available_at = now+backoff, and returns
// the row to pending; once attempts exceeds the configured ceiling the
// row is moved atomically into dead_items (spec.md §4.D `fail`).
func (q *Queue) Fail(seq int64, leaseToken string, lastError string, backoff time.Duration) error {
	tx, err := q.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("queue: fail begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		idemKey     string
		payload     []byte
		attempts    int
		maxAttempts int
	)
	err = tx.QueryRow(`
		SELECT idempotency_key, payload, attempts, max_attempts FROM queue_items
		WHERE seq = ? AND lease_owner = ? AND status = 'leased'`,
		seq, leaseToken,
	).Scan(&idemKey, &payload, &attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // lease already expired/reaped/completed elsewhere: no-op
	}
	if err != nil {
		return fmt.Errorf("queue: fail lookup seq %d: %w", seq, err)
	}

	attempts++
	now := time.Now().Unix()

	if attempts > maxAttempts {
		if _, err := tx.Exec(`
			INSERT INTO dead_items (seq, idempotency_key, payload, attempts, last_error, died_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			seq, idemKey, payload, attempts, lastError, now,
		); err != nil {
			return fmt.Errorf("queue: dead-letter seq %d: %w", seq, err)
		}
		if _, err := tx.Exec(`DELETE FROM queue_items WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("queue: remove dead-lettered seq %d: %w", seq, err)
		}
		return tx.Commit()
	}

	visibleAt := time.Now().Add(cappedBackoff(backoff)).Unix()
	if _, err := tx.Exec(`
		UPDATE queue_items SET status = 'pending', attempts = ?, available_at = ?,
			last_error = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE seq = ?`,
		attempts, visibleAt, lastError, now, seq,
	); err != nil {
		return fmt.Errorf("queue: requeue seq %d: %w", seq, err)
	}
	return tx.Commit()
}

// maxQueueBackoff is the B4 boundary: backoff never schedules available_at
// more than 60s past now.
const maxQueueBackoff = 60 * time.Second

func cappedBackoff(d time.Duration) time.Duration {
	if d > maxQueueBackoff {
		return maxQueueBackoff
	}
	if d < 0 {
		return 0
	}
	return d
}

// ReapExpiredLeases returns to pending any leased row whose
// lease_expires_at has passed, without incrementing attempts — a crash
// mid-lease must not count against the retry ceiling. Returns the number
// of rows reaped.
func (q *Queue) ReapExpiredLeases() (int, error) {
	now := time.Now().Unix()
	res, err := q.db.Conn().Exec(`
		UPDATE queue_items SET status = 'pending', lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE status = 'leased' AND lease_expires_at <= ?`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: reap expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RecoverOnStartup runs ReapExpiredLeases exactly once at process start
// (spec.md §4.D). Callers are expected to log the returned count.
func (q *Queue) RecoverOnStartup() (reaped int, err error) {
	return q.ReapExpiredLeases()
}

// ReplayDead moves a DeadItem back to pending with attempts reset to 0 and
// a fresh idempotency key suffix so it doesn't collide with the original,
// still-terminal item's key (CLI surface: `replay-dead <seq>`, SPEC_FULL.md).
func (q *Queue) ReplayDead(seq int64) (newSeq int64, err error) {
	tx, err := q.db.Conn().Begin()
	if err != nil {
		return 0, fmt.Errorf("queue: replay-dead begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var idemKey string
	var payload []byte
	err = tx.QueryRow(`SELECT idempotency_key, payload FROM dead_items WHERE seq = ?`, seq).
		Scan(&idemKey, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("queue: no dead item with seq %d", seq)
	}
	if err != nil {
		return 0, fmt.Errorf("queue: replay-dead lookup seq %d: %w", seq, err)
	}

	now := time.Now().Unix()
	newKey := idemKey + ":replay:" + randomToken()
	res, err := tx.Exec(`
		INSERT INTO queue_items (idempotency_key, payload, status, attempts, max_attempts,
			priority, available_at, created_at, updated_at)
		VALUES (?, ?, 'pending', 0, ?, 0, ?, ?, ?)`,
		newKey, payload, q.maxAttempts, now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: replay-dead insert: %w", err)
	}
	newSeq, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM dead_items WHERE seq = ?`, seq); err != nil {
		return 0, fmt.Errorf("queue: replay-dead cleanup seq %d: %w", seq, err)
	}
	return newSeq, tx.Commit()
}
