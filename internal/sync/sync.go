// Package sync implements the Sync Coordinator (spec.md §4.L): a
// periodic reconciliation loop that keeps the Vector Store's derived
// embedding index consistent with the Relational Store's notes. The
// ticker-driven goroutine loop is adapted from the teacher's
// internal/watcher.Watch debounce/drain shape — "watch a directory" for
// "poll updated_at > vector_synced_at", since NescordVault has no local
// vault directory to fsnotify.Watch (see DESIGN.md dropped deps).
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/nescordvault/nescordvault/internal/embed"
	"github.com/nescordvault/nescordvault/internal/logging"
	"github.com/nescordvault/nescordvault/internal/relstore"
	"github.com/nescordvault/nescordvault/internal/vecstore"
)

// DefaultInterval is spec.md §4.L's default reconciliation period.
const DefaultInterval = 5 * time.Minute

// batchLimit bounds how many pending notes one reconciliation pass
// re-upserts, so a large backlog doesn't block the next tick indefinitely.
const batchLimit = 200

// Coordinator owns the reconciliation loop.
type Coordinator struct {
	db         *relstore.DB
	vec        *vecstore.Store
	embedder   *embed.Adapter
	collection string
	interval   time.Duration
	log        *logging.Logger
}

// Options configures a Coordinator.
type Options struct {
	DB         *relstore.DB
	Vec        *vecstore.Store
	Embedder   *embed.Adapter
	Collection string // embedding-model collection name in the Vector Store
	Interval   time.Duration
	Log        *logging.Logger
}

// New constructs a Coordinator.
func New(opts Options) *Coordinator {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		db:         opts.DB,
		vec:        opts.Vec,
		embedder:   opts.Embedder,
		collection: opts.Collection,
		interval:   interval,
		log:        opts.Log,
	}
}

// Run blocks, reconciling once immediately (spec.md §4.L: "plus on
// startup") and then on every tick, until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.reconcileAndLog(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reconcileAndLog(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Coordinator) reconcileAndLog(ctx context.Context) {
	upserted, purged, err := c.Reconcile(ctx)
	if err != nil {
		c.logErr("reconciliation pass failed: %v", err)
		return
	}
	if upserted > 0 || purged > 0 {
		c.logInfo("reconciled %d note(s), purged %d deleted vector row(s)", upserted, purged)
	}
}

// Reconcile runs one reconciliation pass: re-upserts notes whose
// updated_at is newer than their vector_synced_at, and purges Vector
// Store rows for soft-deleted notes. It is idempotent and safe to run
// concurrently with writes — it operates one note at a time and uses the
// content hash to skip no-ops (spec.md §4.L).
func (c *Coordinator) Reconcile(ctx context.Context) (upserted int, purged int, err error) {
	pending, err := c.db.NotesPendingSync(batchLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("sync: scan pending notes: %w", err)
	}

	for _, note := range pending {
		if ctx.Err() != nil {
			return upserted, purged, ctx.Err()
		}
		changed, err := c.syncOne(ctx, note)
		if err != nil {
			c.logErr("note %s: %v", note.ID, err)
			continue
		}
		if changed {
			upserted++
		}
	}

	deletedIDs, err := c.db.DeletedNoteIDs()
	if err != nil {
		return upserted, purged, fmt.Errorf("sync: scan deleted notes: %w", err)
	}
	for _, id := range deletedIDs {
		if err := c.vec.Delete(c.collection, id); err != nil {
			c.logErr("purge vector row for deleted note %s: %v", id, err)
			continue
		}
		if err := c.db.PurgeDeletedNote(id); err != nil {
			c.logErr("purge relational row for deleted note %s: %v", id, err)
			continue
		}
		purged++
	}

	return upserted, purged, nil
}

// syncOne re-embeds and upserts a single note, skipping the work
// entirely when the Vector Store's stored content hash already matches
// (a no-op reconciliation — e.g. a note touched without a body change).
func (c *Coordinator) syncOne(ctx context.Context, note *relstore.Note) (bool, error) {
	storedHash, found, err := c.vec.ContentHash(c.collection, note.ID)
	if err != nil {
		return false, fmt.Errorf("check stored hash: %w", err)
	}
	if found && storedHash == note.ContentHash {
		// Body unchanged since the last successful sync; updated_at moved
		// for an unrelated reason (e.g. a tag-only edit not yet reflected
		// in content_hash), so skip re-embedding and just mark it synced.
		if err := c.db.MarkVectorSynced(note.ID, time.Now().Unix()); err != nil {
			return false, fmt.Errorf("mark synced: %w", err)
		}
		return false, nil
	}

	vec, embedErr := c.embedder.GetDocumentEmbedding(ctx, note.Title+"\n\n"+note.Body)
	if embedErr != nil {
		return false, fmt.Errorf("embed: %w", embedErr)
	}

	metadata := map[string]string{
		"title":      note.Title,
		"channel_id": note.ChannelID,
	}
	if err := c.vec.Upsert(c.collection, note.ID, vec, note.ContentHash, metadata); err != nil {
		return false, fmt.Errorf("vector upsert: %w", err)
	}
	if err := c.db.MarkVectorSynced(note.ID, time.Now().Unix()); err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	return true, nil
}

func (c *Coordinator) logInfo(format string, args ...any) {
	if c.log != nil {
		c.log.Info(format, args...)
	}
}

func (c *Coordinator) logErr(format string, args ...any) {
	if c.log != nil {
		c.log.Error(format, args...)
	}
}
