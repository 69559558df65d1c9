// Package governor implements the Token Governor (spec.md §4.H): an
// accountant for paid AI usage that tracks monthly spend per provider
// and reports one of four admission modes. The per-(provider, model)
// cost table is seeded in the shape of the teacher's
// config.KnownModels list (internal/config), extended with cost fields
// the teacher's embedding-only table never needed.
package governor

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Mode is one of the four admission states spec.md §4.H names.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
	ModeCritical Mode = "critical"
	ModeFrozen   Mode = "frozen"
)

// Thresholds, exactly per spec.md §4.H / B3: ratio is monthly spend
// over MonthlyTokenLimit's dollar-equivalent ceiling.
const (
	degradedThreshold = 0.90
	criticalThreshold = 0.95
	frozenThreshold   = 1.00
)

// ModelRate is a per-(provider, model) cost constant, in micro-USD per
// 1,000 tokens, the unit the teacher's cost comments already use when
// sizing embedding batches.
type ModelRate struct {
	Provider           string
	Model              string
	CostMicroUSDPer1kIn  int64
	CostMicroUSDPer1kOut int64
}

// DefaultRates is the built-in cost table, seeded in the same
// shape/spirit as the teacher's config.KnownModels list — a flat slice
// of known (provider, model) metadata a caller can extend with an
// operator-supplied table from config. Rates are approximate public
// list prices at authoring time; ollama rates are zero since local
// inference has no metered cost.
var DefaultRates = []ModelRate{
	{Provider: "openai", Model: "gpt-4o-mini", CostMicroUSDPer1kIn: 150, CostMicroUSDPer1kOut: 600},
	{Provider: "openai", Model: "gpt-4o", CostMicroUSDPer1kIn: 2500, CostMicroUSDPer1kOut: 10000},
	{Provider: "openai", Model: "text-embedding-3-small", CostMicroUSDPer1kIn: 20, CostMicroUSDPer1kOut: 0},
	{Provider: "ollama", Model: "nomic-embed-text", CostMicroUSDPer1kIn: 0, CostMicroUSDPer1kOut: 0},
}

// Kind distinguishes user-initiated calls (always allowed until frozen)
// from non-essential, non-user-initiated ones (gated earlier, at
// degraded).
type Kind string

const (
	KindUserInitiated    Kind = "user_initiated"
	KindNonEssential     Kind = "non_essential" // e.g. auto-tag suggestion
	KindSystemInitiated  Kind = "system_initiated"
)

// Check is the result of check_limits(provider).
type Check struct {
	Allowed bool
	Ratio   float64
	Mode    Mode
}

// NotifyFunc is invoked once per (provider, mode) transition per month,
// per spec.md §4.H's storm-avoidance rule.
type NotifyFunc func(provider string, from, to Mode, ratio float64)

// Governor tracks monthly usage per provider and answers check_limits.
type Governor struct {
	mu sync.Mutex

	rates       []ModelRate
	limitMicro  int64 // MonthlyTokenLimit expressed as micro-USD ceiling
	monthSpend  map[string]int64 // provider -> micro-USD spent this month
	lastMode    map[string]Mode
	monthStamp  string // "2026-07" — resets monthSpend/lastMode on rollover
	notify      NotifyFunc
	warnedModel map[string]bool
}

// New constructs a Governor. limitMicro is the monthly ceiling in
// micro-USD; rates is the cost table (seeded from config.KnownModels'
// shape, extended with cost fields).
func New(limitMicro int64, rates []ModelRate, notify NotifyFunc) *Governor {
	return &Governor{
		rates:       rates,
		limitMicro:  limitMicro,
		monthSpend:  make(map[string]int64),
		lastMode:    make(map[string]Mode),
		notify:      notify,
		warnedModel: make(map[string]bool),
	}
}

func currentMonthStamp(now time.Time) string {
	return fmt.Sprintf("%04d-%02d", now.Year(), now.Month())
}

func (g *Governor) rolloverIfNeeded(now time.Time) {
	stamp := currentMonthStamp(now)
	if g.monthStamp == "" {
		g.monthStamp = stamp
		return
	}
	if stamp != g.monthStamp {
		g.monthStamp = stamp
		g.monthSpend = make(map[string]int64)
		g.lastMode = make(map[string]Mode)
	}
}

func (g *Governor) rateFor(provider, model string) ModelRate {
	var best ModelRate
	haveAny := false
	for _, r := range g.rates {
		if r.Provider != provider {
			continue
		}
		if r.Model == model {
			return r
		}
		if !haveAny || r.CostMicroUSDPer1kIn+r.CostMicroUSDPer1kOut > best.CostMicroUSDPer1kIn+best.CostMicroUSDPer1kOut {
			best = r
			haveAny = true
		}
	}
	if haveAny {
		key := provider + "/" + model
		g.mu.Lock()
		warned := g.warnedModel[key]
		if !warned {
			g.warnedModel[key] = true
		}
		g.mu.Unlock()
		if !warned {
			fmt.Fprintf(os.Stderr, "nescordvault: warning: unknown model %q for provider %q, using most expensive known rate for %s\n", model, provider, provider)
		}
		best.Model = model
		best.Provider = provider
		return best
	}
	return ModelRate{Provider: provider, Model: model}
}

// RecordUsage implements record_usage(provider, model, in, out, kind,
// actor?): updates in-memory monthly totals and inserts a UsageRecord
// via persist (typically internal/relstore.RecordUsage), so accounting
// survives a restart.
func (g *Governor) RecordUsage(provider, model string, inputTokens, outputTokens int64, kind Kind, actor string, persist func(provider, model string, in, out int64, kind, actor string, costMicro int64) error) error {
	rate := g.rateFor(provider, model)
	costMicro := (inputTokens*rate.CostMicroUSDPer1kIn + outputTokens*rate.CostMicroUSDPer1kOut) / 1000

	now := time.Now()
	g.mu.Lock()
	g.rolloverIfNeeded(now)
	g.monthSpend[provider] += costMicro
	g.mu.Unlock()

	if persist != nil {
		if err := persist(provider, model, inputTokens, outputTokens, string(kind), actor, costMicro); err != nil {
			return fmt.Errorf("governor: persist usage record: %w", err)
		}
	}
	return nil
}

// Preload seeds monthSpend for provider from a persisted total (e.g. on
// startup, summed from the Relational Store's UsageRecord rows for the
// current month), so the in-memory ratio reflects usage recorded before
// this process started.
func (g *Governor) Preload(provider string, spentMicro int64) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverIfNeeded(now)
	g.monthSpend[provider] += spentMicro
}

// CheckLimits implements check_limits(provider).
func (g *Governor) CheckLimits(provider string) Check {
	now := time.Now()
	g.mu.Lock()
	g.rolloverIfNeeded(now)
	ratio := 0.0
	if g.limitMicro > 0 {
		ratio = float64(g.monthSpend[provider]) / float64(g.limitMicro)
	}
	mode := modeForRatio(ratio)
	prev, seen := g.lastMode[provider]
	g.lastMode[provider] = mode
	g.mu.Unlock()

	if g.notify != nil && (!seen || prev != mode) {
		g.notify(provider, prev, mode, ratio)
	}

	return Check{Allowed: mode != ModeFrozen, Ratio: ratio, Mode: mode}
}

func modeForRatio(ratio float64) Mode {
	switch {
	case ratio >= frozenThreshold:
		return ModeFrozen
	case ratio >= criticalThreshold:
		return ModeCritical
	case ratio >= degradedThreshold:
		return ModeDegraded
	default:
		return ModeNormal
	}
}

// Admits reports whether a call of the given Kind is currently allowed
// under provider's mode: normal allows everything; degraded disables
// non-essential calls; critical disables everything but user-initiated
// calls; frozen disables all paid calls.
func (g *Governor) Admits(provider string, kind Kind) bool {
	check := g.CheckLimits(provider)
	switch check.Mode {
	case ModeFrozen:
		return false
	case ModeCritical:
		return kind == KindUserInitiated
	case ModeDegraded:
		return kind != KindNonEssential
	default:
		return true
	}
}
