// Package batch implements the Batch Processor (spec.md §4.G): the loop
// that drains the Persistent Queue and drives the Git Operator's commit
// protocol. The lease/drain/sleep-or-wake loop shape is adapted from the
// teacher's internal/watcher.Watch debounce/flush loop (see
// internal/sync, which already adapted the same shape for reconciliation)
// — "debounce file events into a batch" becomes "lease queued items into
// a batch".
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nescordvault/nescordvault/internal/backoff"
	"github.com/nescordvault/nescordvault/internal/gitops"
	"github.com/nescordvault/nescordvault/internal/governor"
	"github.com/nescordvault/nescordvault/internal/logging"
	"github.com/nescordvault/nescordvault/internal/privacy"
	"github.com/nescordvault/nescordvault/internal/queue"
)

// DefaultBatchSize and DefaultLeaseDuration are spec.md §4.G's B/L
// parameters absent an operator override.
const (
	DefaultBatchSize     = 20
	DefaultLeaseDuration = 2 * time.Minute
	// DefaultBatchTimeout bounds how long the loop sleeps with an empty
	// queue before leasing again (spec.md §4.G step 1).
	DefaultBatchTimeout = 10 * time.Second
)

// Payload is the decoded shape of one queue item's JSON payload: one
// file to write into the vault's git working tree, plus the metadata the
// Privacy Filter and Token Governor need to make their decisions.
type Payload struct {
	Path       string `json:"path"`
	Body       string `json:"body"`
	NoteID     string `json:"note_id,omitempty"`
	OriginRef  string `json:"origin_ref,omitempty"`
	RequiresAI bool   `json:"requires_ai,omitempty"`
	AIProvider string `json:"ai_provider,omitempty"`
}

// Processor owns the lease/redact/commit/disposition loop.
type Processor struct {
	q         *queue.Queue
	git       *gitops.Operator
	gov       *governor.Governor
	rules     privacy.RuleSet
	level     privacy.Level
	alerter   *privacy.Alerter
	dataRoot  string
	batchSize int
	lease     time.Duration
	timeout   time.Duration
	log       *logging.Logger

	// wake lets a producer (e.g. the chatevent dispatcher, after a
	// successful Enqueue) skip the remainder of an in-progress sleep,
	// per spec.md §4.G step 1 "sleep ... or until woken by a new
	// enqueue". Buffered 1: a pending wake is never lost and a second
	// wake while one is already pending is a harmless no-op.
	wake chan struct{}
}

// Options configures a Processor.
type Options struct {
	Queue     *queue.Queue
	Git       *gitops.Operator
	Governor  *governor.Governor
	Rules     privacy.RuleSet
	Level     privacy.Level
	Alerter   *privacy.Alerter
	DataRoot  string
	BatchSize int
	Lease     time.Duration
	Timeout   time.Duration
	Log       *logging.Logger
}

// New constructs a Processor.
func New(opts Options) *Processor {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	return &Processor{
		q:         opts.Queue,
		git:       opts.Git,
		gov:       opts.Governor,
		rules:     opts.Rules,
		level:     opts.Level,
		alerter:   opts.Alerter,
		dataRoot:  opts.DataRoot,
		batchSize: batchSize,
		lease:     lease,
		timeout:   timeout,
		log:       opts.Log,
		wake:      make(chan struct{}, 1),
	}
}

// Wake interrupts an in-progress sleep so a just-enqueued item is picked
// up without waiting out the rest of batch_timeout.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks, draining the queue until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := p.drainOnce(ctx)
		if err != nil {
			p.logErr("batch pass failed: %v", err)
		}
		if n > 0 {
			continue // more work may be waiting; don't sleep between full batches
		}
		if err := p.sleepOrWake(ctx); err != nil {
			return nil
		}
	}
}

func (p *Processor) sleepOrWake(ctx context.Context) error {
	t := time.NewTimer(p.timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-p.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainOnce performs one lease-decode-redact-commit-disposition pass,
// spec.md §4.G steps 1-6, and returns the number of items leased (so Run
// can decide whether to loop immediately or sleep).
func (p *Processor) drainOnce(ctx context.Context) (int, error) {
	if _, err := p.q.ReapExpiredLeases(); err != nil {
		p.logErr("reap expired leases: %v", err)
	}

	items, err := p.q.Lease(p.batchSize, p.lease)
	if err != nil {
		return 0, fmt.Errorf("batch: lease: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	type decoded struct {
		seq      int64
		token    string
		attempts int
		payload  Payload
	}
	var valid []decoded
	var files []gitops.File

	for _, item := range items {
		var pl Payload
		if err := json.Unmarshal(item.Payload, &pl); err != nil {
			// Step 6: a single item's validation failure never blocks
			// the rest of the batch.
			p.failItem(item.Seq, item.LeaseToken, item.Attempts, fmt.Sprintf("decode payload: %v", err))
			continue
		}

		if pl.RequiresAI && p.gov != nil {
			check := p.gov.CheckLimits(pl.AIProvider)
			if !check.Allowed {
				// Admission control: leave this item leased rather than
				// calling Fail — Fail always increments attempts, which
				// would eventually dead-letter an item purely for being
				// quota-throttled rather than genuinely failing. The
				// lease simply expires and ReapExpiredLeases (called at
				// the top of every pass) returns it to pending with no
				// attempts cost once the ceiling allows it again.
				continue
			}
		}

		body, event := p.redact(pl)
		pl.Body = body
		if event.MatchCount > 0 {
			p.logEvent(event)
		}

		valid = append(valid, decoded{seq: item.Seq, token: item.LeaseToken, attempts: item.Attempts, payload: pl})
		files = append(files, gitops.File{Path: pl.Path, Content: []byte(pl.Body)})
	}

	if len(files) == 0 {
		return len(items), nil
	}

	commitErr := p.git.CommitBatch(ctx, files, commitMessage(len(valid)))
	switch {
	case commitErr == nil:
		for _, d := range valid {
			if err := p.q.Complete(d.seq, d.token); err != nil {
				p.logErr("complete seq %d: %v", d.seq, err)
			}
		}
	default:
		// Step 5: commit may have succeeded locally with only the push
		// failing; either way the safe disposition is a retry with
		// backoff — the Git Operator's own Init step fast-forwards and
		// replays local commits that never made it to the remote.
		p.logErr("commit batch failed: %v", commitErr)
		for _, d := range valid {
			p.failItem(d.seq, d.token, d.attempts, fmt.Sprintf("commit batch: %v", commitErr))
		}
	}

	return len(items), nil
}

func (p *Processor) failItem(seq int64, token string, attempts int, reason string) {
	if err := p.q.Fail(seq, token, reason, backoff.Default.Delay(attempts)); err != nil {
		p.logErr("fail seq %d: %v", seq, err)
	}
}

// redact applies the Privacy Filter to one payload's file body
// (spec.md §2's canonical write-path: redaction happens at step O, on
// the outbound git artifact, not on the Relational/Vector Store's
// stored Note body — see DESIGN.md's Privacy Filter boundary decision).
func (p *Processor) redact(pl Payload) (string, privacy.SecurityEvent) {
	redacted, matches := privacy.Redact(p.rules, p.level, pl.Body)
	ev := privacy.SecurityEvent{
		NoteID:     pl.NoteID,
		OriginRef:  pl.OriginRef,
		Action:     "allow",
		Level:      string(p.level),
		MatchCount: len(matches),
	}
	if len(matches) > 0 {
		ev.Action = "redact"
		seen := make(map[string]bool)
		for _, m := range matches {
			name := string(m.Rule)
			if seen[name] {
				continue
			}
			seen[name] = true
			ev.Rules = append(ev.Rules, name)
		}
	}
	return redacted, ev
}

func (p *Processor) logEvent(ev privacy.SecurityEvent) {
	if err := privacy.LogEvent(p.dataRoot, ev); err != nil {
		p.logErr("log security event: %v", err)
	}
	if p.alerter != nil {
		for _, r := range ev.Rules {
			p.alerter.Consider(ev, privacy.RuleName(r), ev.OriginRef, privacy.Level(ev.Level))
		}
	}
}

// commitMessage summarizes a batch for the commit log, naming counts
// rather than content so the git history itself never carries PII.
func commitMessage(n int) string {
	return fmt.Sprintf("nescordvault: sync %d note(s)", n)
}

func (p *Processor) logErr(format string, args ...any) {
	if p.log == nil {
		return
	}
	p.log.Error(format, args...)
}
