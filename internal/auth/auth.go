// Package auth implements the Auth Provider (spec.md §4.F): credential
// acquisition behind a single interface with a static-token variant and
// an installation-based variant that mints and caches short-lived
// credentials. Grounded on the teacher's provider-resolution idiom
// (internal/config's AuthMode switch) generalized into a real interface,
// with golang.org/x/oauth2's TokenSource doing the cache/refresh work the
// teacher's own config loader never needed.
package auth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nescordvault/nescordvault/internal/logging"
)

// RateLimitState mirrors spec.md §4.F's rate_limit_state() shape.
type RateLimitState struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Provider abstracts credential acquisition. Implementations MUST NOT
// log credential contents; only Provider reads them from configuration
// or a secret file.
type Provider interface {
	// GetCredential returns an opaque token value for the current
	// request. Never logged by callers.
	GetCredential(ctx context.Context) (string, error)
	// VerifyAccess exercises the credential against the remote (a
	// lightweight round trip, e.g. a host capability check) and reports
	// whether it is currently usable.
	VerifyAccess(ctx context.Context) (bool, error)
	// RateLimitState reports the last-observed rate limit window, if
	// the provider's transport tracks one.
	RateLimitState() RateLimitState
}

// StaticTokenProvider returns a fixed, pre-issued credential (e.g. a
// personal access token) with no refresh cycle — spec.md §4.F's first
// variant.
type StaticTokenProvider struct {
	token  string
	verify func(ctx context.Context, token string) (bool, RateLimitState, error)

	mu    sync.Mutex
	state RateLimitState
}

// NewStaticTokenProvider wraps a fixed token. verify, if non-nil, is used
// by VerifyAccess to perform a real round trip; if nil, VerifyAccess
// reports true whenever the token is non-empty.
func NewStaticTokenProvider(token string, verify func(ctx context.Context, token string) (bool, RateLimitState, error)) *StaticTokenProvider {
	return &StaticTokenProvider{token: token, verify: verify}
}

func (p *StaticTokenProvider) GetCredential(ctx context.Context) (string, error) {
	if p.token == "" {
		return "", fmt.Errorf("auth: static token not configured")
	}
	return p.token, nil
}

func (p *StaticTokenProvider) VerifyAccess(ctx context.Context) (bool, error) {
	if p.verify == nil {
		return p.token != "", nil
	}
	ok, state, err := p.verify(ctx, p.token)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	return ok, nil
}

func (p *StaticTokenProvider) RateLimitState() RateLimitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Minter mints a short-lived installation credential. Implementations
// typically call a Git host's installation-token endpoint using a
// private key loaded from a secret file.
type Minter interface {
	Mint(ctx context.Context) (*oauth2.Token, error)
}

// safetyMargin is how long before expiry a cached installation token is
// treated as stale and re-minted, so a request never races token
// expiration mid-flight.
const safetyMargin = 2 * time.Minute

// installationTokenSource adapts a Minter to oauth2.TokenSource so the
// caching/refresh-with-margin logic is the well-exercised oauth2 library
// path rather than a hand-rolled cache.
type installationTokenSource struct {
	minter Minter
}

func (s installationTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.minter.Mint(context.Background())
	if err != nil {
		return nil, fmt.Errorf("auth: mint installation token: %w", err)
	}
	return tok, nil
}

// InstallationProvider mints short-lived credentials on demand and caches
// them until safetyMargin before expiry — spec.md §4.F's second variant.
type InstallationProvider struct {
	source oauth2.TokenSource
	verify func(ctx context.Context, token string) (bool, RateLimitState, error)

	mu    sync.Mutex
	state RateLimitState
	log   *logging.Logger
}

// NewInstallationProvider wraps minter in an oauth2.ReuseTokenSourceWithExpiry,
// which handles the cache-until-safety-margin behavior spec.md §4.F
// requires without NescordVault tracking expiry itself.
func NewInstallationProvider(minter Minter, verify func(ctx context.Context, token string) (bool, RateLimitState, error), log *logging.Logger) *InstallationProvider {
	return &InstallationProvider{
		source: oauth2.ReuseTokenSourceWithExpiry(nil, installationTokenSource{minter: minter}, safetyMargin),
		verify: verify,
		log:    log,
	}
}

func (p *InstallationProvider) GetCredential(ctx context.Context) (string, error) {
	tok, err := p.source.Token()
	if err != nil {
		if p.log != nil {
			// Never log the token itself — only the failure.
			p.log.Error("installation credential mint failed: %v", err)
		}
		return "", err
	}
	return tok.AccessToken, nil
}

func (p *InstallationProvider) VerifyAccess(ctx context.Context) (bool, error) {
	tok, err := p.GetCredential(ctx)
	if err != nil {
		return false, err
	}
	if p.verify == nil {
		return tok != "", nil
	}
	ok, state, err := p.verify(ctx, tok)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	return ok, nil
}

func (p *InstallationProvider) RateLimitState() RateLimitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FileMinter mints an installation token by reading a pre-provisioned
// secret file containing "token\nexpiry_rfc3339" and delegating the
// actual mint HTTP call to mintFunc; the file path is never logged.
type FileMinter struct {
	KeyPath  string
	MintFunc func(ctx context.Context, keyBytes []byte) (*oauth2.Token, error)
}

func (m FileMinter) Mint(ctx context.Context) (*oauth2.Token, error) {
	keyBytes, err := os.ReadFile(m.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: read installation key: %w", err)
	}
	return m.MintFunc(ctx, keyBytes)
}

// NewFromConfig builds a Provider from the Git config's auth_mode, the
// generalized form of the teacher's provider-name switch.
func NewFromConfig(authMode, token, appKeyPath, appInstallID string, mintFunc func(ctx context.Context, keyBytes []byte, installID string) (*oauth2.Token, error), verify func(ctx context.Context, token string) (bool, RateLimitState, error), log *logging.Logger) (Provider, error) {
	switch authMode {
	case "", "token":
		return NewStaticTokenProvider(token, verify), nil
	case "installation":
		if appKeyPath == "" {
			return nil, fmt.Errorf("auth: installation mode requires app_key_path")
		}
		minter := FileMinter{
			KeyPath: appKeyPath,
			MintFunc: func(ctx context.Context, keyBytes []byte) (*oauth2.Token, error) {
				return mintFunc(ctx, keyBytes, appInstallID)
			},
		}
		return NewInstallationProvider(minter, verify, log), nil
	default:
		return nil, fmt.Errorf("auth: unknown auth_mode %q", authMode)
	}
}
