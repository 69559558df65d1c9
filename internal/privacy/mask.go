package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Strategy selects how a matched PII span is rewritten.
type Strategy string

const (
	StrategyAsterisk Strategy = "asterisk" // replace every code point with '*'
	StrategyPartial  Strategy = "partial"  // keep first/last code point, mask the middle
	StrategyHash     Strategy = "hash"     // replace with a short stable hash token
	StrategyRemove   Strategy = "remove"   // drop the span entirely
)

// Level is the configured privacy enforcement strength (spec.md §4 Privacy
// Filter levels / PRIVACY_DEFAULT_LEVEL). It gates *which* rules apply
// (activeAtLevel); each rule's own Masking strategy decides *how* a match
// is rewritten, per spec.md §4.O.
type Level string

const (
	LevelNone   Level = "none"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// maskSpan applies strategy to a single matched span's text, operating on
// code points (not bytes) so multi-byte UTF-8 text masks correctly.
func maskSpan(text string, strategy Strategy) string {
	switch strategy {
	case StrategyPartial:
		runes := []rune(text)
		if len(runes) <= 2 {
			return strings.Repeat("*", utf8.RuneCountInString(text))
		}
		middle := strings.Repeat("*", len(runes)-2)
		return string(runes[0]) + middle + string(runes[len(runes)-1])
	case StrategyHash:
		sum := sha256.Sum256([]byte(text))
		return "[REDACTED:" + hex.EncodeToString(sum[:])[:8] + "]"
	case StrategyRemove:
		return ""
	default: // StrategyAsterisk
		return strings.Repeat("*", utf8.RuneCountInString(text))
	}
}

// Mask applies strategy to raw text as if it were a single matched span.
// Exposed for direct use (e.g. config test fixtures); Redact is the entry
// point for whole-document masking.
func Mask(text string, strategy Strategy) string {
	return maskSpan(text, strategy)
}

// Redact scans text for rules active at level and rewrites every match
// per that rule's own masking strategy. Returns the redacted text and the
// matches that were found (for SecurityEvent logging). Idempotent per
// spec.md P5: masked output (asterisks, a "[REDACTED:...]" token, or
// nothing) never re-matches the PII patterns that produced it, so a
// second Redact pass over already-masked text is always a no-op.
func Redact(rs RuleSet, level Level, text string) (string, []Match) {
	rules := rs.activeAtLevel(level)
	matches := scan(rules, text)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m.Start < last {
			continue // overlapping match, already covered
		}
		b.WriteString(text[last:m.Start])
		b.WriteString(maskSpan(m.Text, m.Masking))
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String(), matches
}
