package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/nescordvault/nescordvault/internal/governor"
)

type classifiedErr struct {
	class Class
	msg   string
}

func (e classifiedErr) Error() string { return e.msg }
func (e classifiedErr) Class() Class  { return e.class }

func newManager(t *testing.T, limit, spend int64) *Manager {
	t.Helper()
	g := governor.New(limit, nil, nil)
	g.Preload("openai", spend)
	return New(g)
}

func TestExecutePrimarySucceeds(t *testing.T) {
	m := newManager(t, 1000, 0)
	call := Call[string, string]{
		Provider: "openai",
		Kind:     governor.KindUserInitiated,
		Primary: func(ctx context.Context, req string) (string, error) {
			return "primary:" + req, nil
		},
	}
	got, err := Execute(context.Background(), m, call, "x")
	if err != nil || got != "primary:x" {
		t.Fatalf("got %q, err %v", got, err)
	}
}

func TestExecuteFallsBackToSecondaryOnRetryable(t *testing.T) {
	m := newManager(t, 1000, 0)
	call := Call[string, string]{
		Provider: "openai",
		Kind:     governor.KindUserInitiated,
		Primary: func(ctx context.Context, req string) (string, error) {
			return "", classifiedErr{class: ClassRetryable, msg: "timeout"}
		},
		Secondary: func(ctx context.Context, req string) (string, error) {
			return "secondary:" + req, nil
		},
	}
	got, err := Execute(context.Background(), m, call, "x")
	if err != nil || got != "secondary:x" {
		t.Fatalf("got %q, err %v", got, err)
	}
}

func TestExecutePermanentErrorDoesNotFallBackToSecondary(t *testing.T) {
	m := newManager(t, 1000, 0)
	secondaryCalled := false
	call := Call[string, string]{
		Provider: "openai",
		Kind:     governor.KindUserInitiated,
		Primary: func(ctx context.Context, req string) (string, error) {
			return "", classifiedErr{class: ClassPermanent, msg: "bad api key"}
		},
		Secondary: func(ctx context.Context, req string) (string, error) {
			secondaryCalled = true
			return "secondary", nil
		},
	}
	_, err := Execute(context.Background(), m, call, "x")
	if err == nil {
		t.Fatalf("expected permanent error to surface")
	}
	if secondaryCalled {
		t.Fatalf("expected secondary not to be tried for a permanent error")
	}
}

func TestExecuteFrozenGoesStraightToLocal(t *testing.T) {
	m := newManager(t, 1000, 1000) // frozen
	primaryCalled := false
	call := Call[string, string]{
		Provider: "openai",
		Kind:     governor.KindUserInitiated,
		Primary: func(ctx context.Context, req string) (string, error) {
			primaryCalled = true
			return "primary", nil
		},
		Local: func(req string) string {
			return "[unavailable: monthly quota reached]"
		},
	}
	got, err := Execute(context.Background(), m, call, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if primaryCalled {
		t.Fatalf("expected primary never called while frozen")
	}
	if got != "[unavailable: monthly quota reached]" {
		t.Fatalf("expected deterministic local response, got %q", got)
	}
}

func TestExecuteDegradedNonEssentialGoesToLocal(t *testing.T) {
	m := newManager(t, 1000, 920) // degraded
	call := Call[string, string]{
		Provider: "openai",
		Kind:     governor.KindNonEssential,
		Primary: func(ctx context.Context, req string) (string, error) {
			return "primary", nil
		},
		Local: func(req string) string { return "local" },
	}
	got, err := Execute(context.Background(), m, call, "x")
	if err != nil || got != "local" {
		t.Fatalf("expected non-essential call admission-denied in degraded mode, got %q err %v", got, err)
	}
}

func TestClassifyErrUnclassifiedIsPermanent(t *testing.T) {
	if got := ClassifyErr(errors.New("plain error")); got != ClassPermanent {
		t.Fatalf("expected unclassified error to default to permanent, got %s", got)
	}
}

func TestExecuteBothFailFallsBackToLocal(t *testing.T) {
	m := newManager(t, 1000, 0)
	call := Call[string, string]{
		Provider: "openai",
		Kind:     governor.KindUserInitiated,
		Primary: func(ctx context.Context, req string) (string, error) {
			return "", classifiedErr{class: ClassRetryable, msg: "timeout"}
		},
		Secondary: func(ctx context.Context, req string) (string, error) {
			return "", classifiedErr{class: ClassRetryable, msg: "also down"}
		},
		Local: func(req string) string { return "local-default" },
	}
	got, err := Execute(context.Background(), m, call, "x")
	if err != nil || got != "local-default" {
		t.Fatalf("got %q, err %v", got, err)
	}
}
