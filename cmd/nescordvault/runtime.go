// Package main is the entrypoint for the nescordvault binary: the
// Discord-facing personal knowledge management bot's core process.
// Wiring follows the teacher's cmd/same/main.go cobra-root-plus-one-
// file-per-subcommand layout.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nescordvault/nescordvault/internal/auth"
	"github.com/nescordvault/nescordvault/internal/batch"
	"github.com/nescordvault/nescordvault/internal/config"
	"github.com/nescordvault/nescordvault/internal/core"
	"github.com/nescordvault/nescordvault/internal/embed"
	"github.com/nescordvault/nescordvault/internal/fallback"
	"github.com/nescordvault/nescordvault/internal/gitops"
	"github.com/nescordvault/nescordvault/internal/governor"
	"github.com/nescordvault/nescordvault/internal/knowledge"
	"github.com/nescordvault/nescordvault/internal/llm"
	"github.com/nescordvault/nescordvault/internal/logging"
	"github.com/nescordvault/nescordvault/internal/privacy"
	"github.com/nescordvault/nescordvault/internal/queue"
	"github.com/nescordvault/nescordvault/internal/relstore"
	"github.com/nescordvault/nescordvault/internal/search"
	syncer "github.com/nescordvault/nescordvault/internal/sync"
	"github.com/nescordvault/nescordvault/internal/transcribe"
	"github.com/nescordvault/nescordvault/internal/vecstore"
)

// exitCode values, per spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 64
	exitDataError     = 65
	exitServiceDown   = 69
	exitInternalError = 70
	exitInterrupted   = 130
)

// exitError pairs a process exit code with the message already printed to
// stderr, letting main() translate a single error into os.Exit without
// every command duplicating the taxonomy-to-code mapping (spec.md §7).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// runtime bundles every wired component a subcommand might need. Not every
// command uses every field; unused fields are simply left nil (e.g.
// `migrate` never touches gitops).
type runtime struct {
	cfg *config.Config
	log *logging.Logger

	db  *relstore.DB
	vec *vecstore.Store

	queue *queue.Queue
	gov   *governor.Governor
	fb    *fallback.Manager

	embedder *embed.Adapter
	transcr  *transcribe.Adapter
	llmPri   llm.Client
	llmSec   llm.Client

	search *search.Engine
	know   *knowledge.Manager
	sync   *syncer.Coordinator
	core   *core.Handler

	authProvider auth.Provider
	git          *gitops.Operator
	batch        *batch.Processor
}

// buildRuntime loads configuration and opens the Relational/Vector Stores,
// the two components every subcommand needs regardless of what else it
// does. Heavier components (Git Operator, Batch Processor) are wired
// lazily by the commands that actually use them via withGit/withBatch.
func buildRuntime() (*runtime, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fail(exitConfigError, "load config: %w", err)
	}
	if err := config.EnsureDataDirs(); err != nil {
		return nil, fail(exitConfigError, "prepare data directories: %w", err)
	}
	log := logging.New("nescordvault")

	db, err := relstore.Open(config.DBPath())
	if err != nil {
		return nil, fail(exitDataError, "open relational store: %w", err)
	}

	dim := config.EmbeddingDim()
	vec, err := vecstore.Open(config.VectorDir(), dim)
	if err != nil {
		db.Close()
		return nil, fail(exitDataError, "open vector store: %w", err)
	}

	gov := governor.New(cfg.AI.MonthlyTokenLimit, governor.DefaultRates, func(provider string, from, to governor.Mode, ratio float64) {
		log.Warn("token governor: %s transitioned %s -> %s (ratio %.2f)", provider, from, to, ratio)
	})
	fb := fallback.New(gov)

	q := queue.New(db, cfg.Queue.MaxAttempts, queue.DefaultSoftCap)

	return &runtime{
		cfg:   cfg,
		log:   log,
		db:    db,
		vec:   vec,
		queue: q,
		gov:   gov,
		fb:    fb,
	}, nil
}

func (rt *runtime) close() {
	if rt.vec != nil {
		rt.vec.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}

// collectionName names the Vector Store collection for the configured
// embedding model, matching internal/search's (model-name, k, mode)
// cache-key convention.
func (rt *runtime) collectionName() string {
	model := rt.cfg.Embedding.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	return model
}

// withEmbedder wires the Embedding Adapter (Provider per config.Embedding,
// routed through the shared Fallback Manager) and the Hybrid Search
// Engine built on top of it. Idempotent; safe to call from multiple
// commands that both need search.
func (rt *runtime) withEmbedder() error {
	if rt.embedder != nil {
		return nil
	}
	var primary embed.Provider
	switch rt.cfg.Embedding.Provider {
	case "", "ollama":
		url := rt.cfg.Embedding.BaseURL
		if url == "" {
			u, err := config.OllamaURL()
			if err != nil {
				return fail(exitConfigError, "ollama url: %w", err)
			}
			url = u
		}
		primary = embed.NewOllamaProvider(url, rt.cfg.Embedding.Model, config.EmbeddingDim())
	default:
		primary = embed.NewHTTPProvider(rt.cfg.Embedding.Provider, rt.cfg.Embedding.BaseURL, rt.cfg.Embedding.Model, rt.cfg.Embedding.APIKey, config.EmbeddingDim())
	}

	rt.embedder = embed.New(embed.Options{
		Primary: primary,
		Manager: rt.fb,
		RecordUsage: func(provider, model string, inTok, outTok int64, kind governor.Kind, actor string) error {
			return rt.gov.RecordUsage(provider, model, inTok, outTok, kind, actor, rt.persistUsage)
		},
	})

	if err := rt.vec.EnsureCollection(rt.collectionName(), vecstore.MetricCosine, config.EmbeddingDim()); err != nil {
		return fail(exitDataError, "ensure vector collection: %w", err)
	}

	rt.search = search.New(search.Options{
		DB:         rt.db,
		Vec:        rt.vec,
		Embedder:   rt.embedder,
		Collection: rt.collectionName(),
	})
	return nil
}

// persistUsage records one Token Governor usage event to the Relational
// Store, the persist callback governor.RecordUsage expects. kind/actor/
// costMicro aren't part of relstore.UsageRecord's schema (spec.md §3);
// the Governor's own in-memory monthSpend map is the source of truth for
// mode/ratio, so this only needs to persist what PeriodTotal sums over.
func (rt *runtime) persistUsage(provider, model string, in, out int64, kind, actor string, costMicro int64) error {
	return rt.db.RecordUsage(relstore.UsageRecord{
		Period:       relstore.CurrentPeriod(),
		Provider:     provider,
		Model:        model,
		Operation:    kind,
		InputTokens:  in,
		OutputTokens: out,
	})
}

// withLLM wires the chat-completion clients merge_notes/suggest_tags
// route through. A missing secondary is not an error (Fallback Manager
// treats nil Secondary as "not configured").
func (rt *runtime) withLLM() error {
	if rt.llmPri != nil {
		return nil
	}
	primary, err := llm.NewForProvider(rt.cfg.AI.Primary, rt.cfg)
	if err != nil {
		return fail(exitConfigError, "resolve primary chat provider: %w", err)
	}
	rt.llmPri = primary
	if rt.cfg.AI.Secondary != "" {
		secondary, err := llm.NewForProvider(rt.cfg.AI.Secondary, rt.cfg)
		if err != nil {
			return fail(exitConfigError, "resolve secondary chat provider: %w", err)
		}
		rt.llmSec = secondary
	}
	return nil
}

// withKnowledge wires the Knowledge Manager; requires withEmbedder (for
// Search) to have run first.
func (rt *runtime) withKnowledge() error {
	if rt.know != nil {
		return nil
	}
	if err := rt.withEmbedder(); err != nil {
		return err
	}
	_ = rt.withLLM() // best-effort: merge_notes/suggest_tags fall back to Local when unconfigured
	rt.know = knowledge.New(knowledge.Options{
		DB:        rt.db,
		Search:    rt.search,
		Fallback:  rt.fb,
		Primary:   rt.llmPri,
		Secondary: rt.llmSec,
		Queue:     rt.queue,
	})
	return nil
}

// withCore wires the on_event entry point (spec.md §6): a
// chatevent.Registry-backed Handler over the Knowledge Manager and the
// Transcription Adapter. This is where the chat-platform adapter (out of
// scope) plugs in; wiring it here makes the Knowledge Manager, the LLM
// clients, and the Transcription Adapter reachable from the running
// process rather than only from their own tests.
func (rt *runtime) withCore() error {
	if rt.core != nil {
		return nil
	}
	if err := rt.withKnowledge(); err != nil {
		return err
	}
	_ = rt.withTranscriber() // best-effort: voice events degrade to "unavailable" without it
	rt.core = core.New(rt.know, rt.transcr)
	return nil
}

// withTranscriber wires the Transcription Adapter for voice-message
// ingestion (spec.md §4.K); only the chat-adapter layer (out of scope)
// calls it today, but it's wired here so that layer has somewhere to land.
func (rt *runtime) withTranscriber() error {
	if rt.transcr != nil {
		return nil
	}
	if err := rt.withLLM(); err != nil {
		return err
	}
	primary := transcribe.NewHTTPProvider(rt.cfg.AI.BaseURL, rt.cfg.AI.Model, rt.cfg.AI.APIKey)
	rt.transcr = transcribe.New(transcribe.Options{
		Primary: primary,
		Manager: rt.fb,
		RecordUsage: func(provider, model string, inTok, outTok int64, kind governor.Kind, actor string) error {
			return rt.gov.RecordUsage(provider, model, inTok, outTok, kind, actor, rt.persistUsage)
		},
	})
	return nil
}

// withSync wires the Sync Coordinator; requires withEmbedder.
func (rt *runtime) withSync() error {
	if rt.sync != nil {
		return nil
	}
	if err := rt.withEmbedder(); err != nil {
		return err
	}
	rt.sync = syncer.New(syncer.Options{
		DB:         rt.db,
		Vec:        rt.vec,
		Embedder:   rt.embedder,
		Collection: rt.collectionName(),
		Log:        rt.log,
	})
	return nil
}

// withGit wires the Auth Provider and Git Operator, and runs the
// Operator's startup clone/fetch protocol.
func (rt *runtime) withGit(ctx context.Context) error {
	if rt.git != nil {
		return nil
	}
	if rt.cfg.Git.RemoteURL == "" {
		return fail(exitConfigError, "GIT_REMOTE_URL is not configured")
	}

	provider, err := auth.NewFromConfig(rt.cfg.Git.AuthMode, rt.cfg.Git.Token, rt.cfg.Git.AppKeyPath, rt.cfg.Git.AppInstallID, nil, nil, rt.log)
	if err != nil {
		return fail(exitConfigError, "auth provider: %w", err)
	}
	rt.authProvider = provider

	rt.git = gitops.New(gitops.Options{
		Base:       config.GitBaseDir(),
		InstanceID: gitops.ResolveInstanceID(),
		RemoteURL:  rt.cfg.Git.RemoteURL,
		Branch:     rt.cfg.Git.Branch,
		Log:        rt.log,
		AuthToken:  rt.authProvider.GetCredential,
	})
	if err := rt.git.Init(ctx); err != nil {
		return fail(exitServiceDown, "git operator init: %w", err)
	}
	return nil
}

// withBatch wires the Batch Processor; requires withGit.
func (rt *runtime) withBatch(ctx context.Context) error {
	if rt.batch != nil {
		return nil
	}
	if err := rt.withGit(ctx); err != nil {
		return err
	}

	level := privacy.Level(rt.cfg.Privacy.DefaultLevel)
	alerter := privacy.NewAlerter(privacy.LevelHigh, func(ev privacy.SecurityEvent) {
		rt.log.Warn("privacy alert: rule(s) %v matched for origin_ref=%s", ev.Rules, ev.OriginRef)
	})

	rt.batch = batch.New(batch.Options{
		Queue:     rt.queue,
		Git:       rt.git,
		Governor:  rt.gov,
		Rules:     privacy.DefaultRuleSet(),
		Level:     level,
		Alerter:   alerter,
		DataRoot:  config.DataRoot(),
		BatchSize: rt.cfg.Queue.BatchSize,
		Lease:     millis(rt.cfg.Queue.LeaseMs),
		Timeout:   millis(rt.cfg.Queue.BatchTimeout),
		Log:       rt.log,
	})
	return nil
}

// millis converts a millisecond count from config into a time.Duration,
// the unit config.QueueConfig stores its timing fields in.
func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func exitWithErr(err error) {
	if err == nil {
		return
	}
	if ee, ok := err.(*exitError); ok {
		fmt.Fprintf(os.Stderr, "nescordvault: %v\n", ee.err)
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "nescordvault: %v\n", err)
	os.Exit(exitInternalError)
}
