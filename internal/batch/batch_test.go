package batch

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/nescordvault/nescordvault/internal/gitops"
	"github.com/nescordvault/nescordvault/internal/governor"
	"github.com/nescordvault/nescordvault/internal/privacy"
	"github.com/nescordvault/nescordvault/internal/queue"
	"github.com/nescordvault/nescordvault/internal/relstore"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func newTestProcessor(t *testing.T) (*Processor, *queue.Queue, string) {
	t.Helper()

	remote := filepath.Join(t.TempDir(), "remote.git")
	runGit(t, "", "init", "--bare", "-b", "main", remote)

	seed := t.TempDir()
	runGit(t, "", "clone", remote, seed)
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	runGit(t, seed, "config", "user.email", "seed@example.com")
	runGit(t, seed, "config", "user.name", "seed")
	runGit(t, seed, "add", "README.md")
	runGit(t, seed, "commit", "-m", "seed")
	runGit(t, seed, "push", "origin", "main")

	base := t.TempDir()
	op := gitops.New(gitops.Options{Base: base, InstanceID: "test", RemoteURL: remote, Branch: "main"})
	if err := op.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	db, err := relstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q := queue.New(db, 5, 0)

	dataRoot := t.TempDir()
	p := New(Options{
		Queue:     q,
		Git:       op,
		Rules:     privacy.DefaultRuleSet(),
		Level:     privacy.LevelMedium,
		DataRoot:  dataRoot,
		BatchSize: 10,
		Lease:     time.Minute,
		Timeout:   50 * time.Millisecond,
	})
	return p, q, dataRoot
}

func enqueue(t *testing.T, q *queue.Queue, pl Payload) {
	t.Helper()
	data, err := json.Marshal(pl)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if _, err := q.Enqueue(data, 0, "", time.Time{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestDrainOnceCommitsAndCompletesItems(t *testing.T) {
	p, q, _ := newTestProcessor(t)

	enqueue(t, q, Payload{Path: "notes/a.md", Body: "# A\nhello", NoteID: "n1"})
	enqueue(t, q, Payload{Path: "notes/b.md", Body: "# B\nworld", NoteID: "n2"})

	n, err := p.drainOnce(context.Background())
	if err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 leased items, got %d", n)
	}

	depth, err := q.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth["done"] != 2 {
		t.Fatalf("expected both items marked done, got %v", depth)
	}

	if _, err := os.Stat(filepath.Join(p.git.WorkDir(), "notes", "a.md")); err != nil {
		t.Fatalf("expected committed file present: %v", err)
	}
}

func TestDrainOneRedactsBodyBeforeCommit(t *testing.T) {
	p, q, dataRoot := newTestProcessor(t)

	enqueue(t, q, Payload{Path: "notes/c.md", Body: "contact me at person@example.com", NoteID: "n3", OriginRef: "msg-1"})

	if _, err := p.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(p.git.WorkDir(), "notes", "c.md"))
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(data) == "contact me at person@example.com" {
		t.Fatalf("expected email redacted from committed body, got %q", string(data))
	}

	if _, err := os.Stat(privacy.AuditLogPath(dataRoot)); err != nil {
		t.Fatalf("expected a security audit log entry written: %v", err)
	}
}

func TestDrainOnceSkipsItemsGatedByTokenGovernor(t *testing.T) {
	p, q, _ := newTestProcessor(t)
	p.gov = governor.New(100, nil, nil)
	// Spend well past the frozen ceiling so CheckLimits disallows the call.
	p.gov.Preload("openai", 1_000)

	enqueue(t, q, Payload{Path: "notes/d.md", Body: "gated", RequiresAI: true, AIProvider: "openai"})

	n, err := p.drainOnce(context.Background())
	if err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the item to be leased, got %d", n)
	}

	depth, err := q.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth["leased"] != 1 {
		t.Fatalf("expected the gated item left leased (not failed, not committed), got %v", depth)
	}
	if depth["done"] != 0 {
		t.Fatalf("expected the gated item not committed, got %v", depth)
	}
	// ReapExpiredLeases (run at the top of every drainOnce pass) is what
	// eventually returns this item to pending with no attempts cost once
	// its lease lapses; internal/queue's own tests cover that mechanism.
}

func TestDrainOnceWithEmptyQueueReturnsZero(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	n, err := p.drainOnce(context.Background())
	if err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on an empty queue, got %d", n)
	}
}
