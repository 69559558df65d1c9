// Package fallback implements the Fallback Manager (spec.md §4.I): a
// primary/secondary/local routing strategy around paid AI calls, gated
// by the Token Governor and classifying errors the way the teacher's
// openaiHTTPError.isRetryable() does (internal/embedding/openai.go).
package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/nescordvault/nescordvault/internal/governor"
)

// Class is the error classification spec.md §4.I names.
type Class string

const (
	ClassRetryable Class = "retryable" // 429, 5xx, network, timeout
	ClassPermanent Class = "permanent" // authn/authz, malformed request
	ClassQuota     Class = "quota"     // provider-reported quota exhausted
)

// Classifier reports the Class of an error returned by a provider call.
// Each provider package (embed, transcribe) supplies its own, mirroring
// the teacher's per-provider *HTTPError.isRetryable() method.
type Classifier func(err error) Class

// ClassifiedError is the error interface a provider's own error type can
// satisfy so a generic Classifier never needs type-switches per provider.
type ClassifiedError interface {
	error
	Class() Class
}

// ClassifyErr uses err's own Class() method when it implements
// ClassifiedError, otherwise treats it as permanent (fail closed — an
// un-classified error is never silently retried or routed to local).
func ClassifyErr(err error) Class {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class()
	}
	return ClassPermanent
}

// Call is one provider invocation: a primary/secondary implementation
// plus a local deterministic degraded fallback, parameterized over the
// request and result types so the same Manager serves both the
// Embedding Adapter and the Transcription Adapter.
type Call[Req any, Res any] struct {
	Provider string // governor provider key, e.g. "openai"
	Kind     governor.Kind

	Primary   func(ctx context.Context, req Req) (Res, error)
	Secondary func(ctx context.Context, req Req) (Res, error) // optional
	Local     func(req Req) Res                               // deterministic degraded response

	Classify Classifier
}

// Manager wraps Call.Execute with the shared Token Governor check.
type Manager struct {
	gov *governor.Governor
}

// New constructs a Manager backed by gov.
func New(gov *governor.Governor) *Manager {
	return &Manager{gov: gov}
}

// Execute runs c per spec.md §4.I's primary/secondary/local strategy:
// frozen mode goes straight to Local; otherwise Primary is tried, and a
// retryable/quota error (or a Governor degraded/critical mode) falls
// through to Secondary; Secondary's own failure falls through to Local
// rather than surfacing an error, since Local always succeeds.
func Execute[Req any, Res any](ctx context.Context, m *Manager, c Call[Req, Res], req Req) (Res, error) {
	var zero Res
	if c.Classify == nil {
		c.Classify = ClassifyErr
	}

	check := m.gov.CheckLimits(c.Provider)
	if check.Mode == governor.ModeFrozen {
		if c.Local == nil {
			return zero, fmt.Errorf("fallback: frozen and no local fallback for provider %s", c.Provider)
		}
		return c.Local(req), nil
	}
	if !m.gov.Admits(c.Provider, c.Kind) {
		if c.Local == nil {
			return zero, fmt.Errorf("fallback: admission denied for provider %s and no local fallback", c.Provider)
		}
		return c.Local(req), nil
	}

	degradedOrCritical := check.Mode == governor.ModeDegraded || check.Mode == governor.ModeCritical

	res, err := c.Primary(ctx, req)
	if err == nil {
		return res, nil
	}

	class := c.Classify(err)
	tryingSecondary := c.Secondary != nil && (class == ClassRetryable || class == ClassQuota || degradedOrCritical)
	if !tryingSecondary {
		if class == ClassPermanent {
			return zero, fmt.Errorf("fallback: primary call failed permanently: %w", err)
		}
		if c.Local != nil {
			return c.Local(req), nil
		}
		return zero, fmt.Errorf("fallback: primary call failed and no secondary/local configured: %w", err)
	}

	res, secErr := c.Secondary(ctx, req)
	if secErr == nil {
		return res, nil
	}
	if c.Local != nil {
		return c.Local(req), nil
	}
	return zero, fmt.Errorf("fallback: primary and secondary both failed (primary: %v): %w", err, secErr)
}
