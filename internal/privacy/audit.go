package privacy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nescordvault/nescordvault/internal/security"
)

// SecurityEvent records one privacy/security decision made while processing
// a note, mirroring spec.md's SecurityEvent entity. Appended as JSONL,
// following the teacher's guard.AppendAudit shape.
type SecurityEvent struct {
	Timestamp  string   `json:"timestamp"`
	NoteID     string   `json:"note_id,omitempty"`
	OriginRef  string   `json:"origin_ref,omitempty"`
	Action     string   `json:"action"` // "redact", "block", "allow", "injection_flagged"
	Rules      []string `json:"rules,omitempty"`
	MatchCount int      `json:"match_count,omitempty"`
	Level      string   `json:"level,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Alerted    bool     `json:"alerted,omitempty"`
}

// AlertFunc is invoked by LogEvent when an event crosses the alert
// threshold. spec.md §4.O requires it fire at most once per (rule_id,
// origin_ref) pair per run.
type AlertFunc func(ev SecurityEvent)

// Alerter gates AlertFunc calls so each (rule, origin_ref) pair alerts at
// most once per process lifetime, matching spec.md §4.O's "exactly once
// per (rule_id, origin_ref) pair per run".
type Alerter struct {
	mu      sync.Mutex
	fired   map[string]bool
	notify  AlertFunc
	minSev  int // events at or above this severity rank alert
}

// severityRank orders levels for the alert threshold comparison.
var severityRank = map[Level]int{
	LevelNone:   0,
	LevelLow:    1,
	LevelMedium: 2,
	LevelHigh:   3,
}

// NewAlerter builds an Alerter that calls notify for events at or above
// threshold, once per (rule, origin_ref) pair.
func NewAlerter(threshold Level, notify AlertFunc) *Alerter {
	return &Alerter{
		fired:  make(map[string]bool),
		notify: notify,
		minSev: severityRank[threshold],
	}
}

// Consider alerts for ev if its level crosses the threshold and this
// (rule, origin_ref) pair hasn't already fired.
func (a *Alerter) Consider(ev SecurityEvent, rule RuleName, originRef string, level Level) {
	if a == nil || a.notify == nil {
		return
	}
	if severityRank[level] < a.minSev {
		return
	}
	key := string(rule) + "\x00" + originRef
	a.mu.Lock()
	already := a.fired[key]
	if !already {
		a.fired[key] = true
	}
	a.mu.Unlock()
	if already {
		return
	}
	ev.Alerted = true
	a.notify(ev)
}

// AuditLogPath returns the path to the append-only security audit log under
// dataRoot, matching the teacher's "<root>/.same/publish-audit.log" layout
// adapted to NescordVault's data root.
func AuditLogPath(dataRoot string) string {
	return filepath.Join(dataRoot, "security-audit.log")
}

// LogEvent appends one SecurityEvent to the audit log (spec.md §4.O
// `log_event`). Matched substrings themselves are never recorded — only
// rule names, counts, and a non-reversible note/origin reference — so the
// audit log can never leak the PII it exists to protect against (spec.md
// §7: "matched privacy substrings MUST NEVER appear ... in logs").
func LogEvent(dataRoot string, ev SecurityEvent) error {
	path := AuditLogPath(dataRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// AppendEvent is an alias retained for call sites that logged before this
// package gained LogEvent's alert-aware naming.
func AppendEvent(dataRoot string, ev SecurityEvent) error {
	return LogEvent(dataRoot, ev)
}

// ScanInjection delegates to the Security Validator's advisory
// prompt-injection detector and, if suspicious, appends a SecurityEvent for
// it. Advisory only — never blocks ingestion by itself.
func ScanInjection(ctx context.Context, dataRoot, noteID, content string) (flagged bool, err error) {
	suspected, reason := security.ScanContent(ctx, content)
	if !suspected {
		return false, nil
	}
	err = LogEvent(dataRoot, SecurityEvent{
		NoteID: noteID,
		Action: "injection_flagged",
		Reason: reason,
	})
	return true, err
}
