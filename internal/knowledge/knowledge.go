// Package knowledge implements the Knowledge Manager (spec.md §4.M):
// note lifecycle (create/update/delete/merge), link/tag extraction, tag
// suggestion, and related-note discovery. Grounded on the teacher's
// internal/graph package (extraction.go's regex-driven entity/relation
// extraction shape, graph.go's upsert-idempotent persistence pattern),
// generalized from a knowledge-graph-of-entities model to NescordVault's
// notes-with-wiki-links model.
package knowledge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/nescordvault/nescordvault/internal/batch"
	"github.com/nescordvault/nescordvault/internal/embed"
	"github.com/nescordvault/nescordvault/internal/fallback"
	"github.com/nescordvault/nescordvault/internal/governor"
	"github.com/nescordvault/nescordvault/internal/llm"
	"github.com/nescordvault/nescordvault/internal/queue"
	"github.com/nescordvault/nescordvault/internal/relstore"
	"github.com/nescordvault/nescordvault/internal/search"
	"github.com/nescordvault/nescordvault/internal/security"
)

// linkPattern matches one `[[wiki-link]]` token (spec.md §4.M). Whitespace
// inside the captured title is preserved verbatim for display.
var linkPattern = regexp.MustCompile(`\[\[([^\]\n]+)\]\]`)

// tagPattern matches one `#tag` token; the captured group is lowercased on
// extraction (spec.md §4.M).
var tagPattern = regexp.MustCompile(`(?:^|\s)#([\w\-]{1,64})`)

// Manager implements the Knowledge Manager's operations over a Relational
// Store, a Hybrid Search Engine (for find_related), and an optional chat
// Client routed through the Fallback Manager (for merge_notes/suggest_tags).
type Manager struct {
	db        *relstore.DB
	search    *search.Engine
	fb        *fallback.Manager
	primary   llm.Client
	secondary llm.Client
	queue     *queue.Queue
	now       func() time.Time
}

// Options configures a Manager. Primary/Secondary may be nil — merge_notes
// and suggest_tags then always take their deterministic Local path, the
// same "frozen" degraded behavior spec.md §4.I describes. Queue may also
// be nil (e.g. tests exercising note CRUD in isolation); CreateNote and
// UpdateNote then skip the outbound-artifact enqueue step entirely rather
// than failing.
type Options struct {
	DB        *relstore.DB
	Search    *search.Engine
	Fallback  *fallback.Manager
	Primary   llm.Client
	Secondary llm.Client
	Queue     *queue.Queue
}

// New constructs a Manager.
func New(opts Options) *Manager {
	return &Manager{
		db:        opts.DB,
		search:    opts.Search,
		fb:        opts.Fallback,
		primary:   opts.Primary,
		secondary: opts.Secondary,
		queue:     opts.Queue,
		now:       time.Now,
	}
}

func newNoteID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "note_" + hex.EncodeToString(b[:])
}

// normalizeTitle applies spec.md §4.M's NFKC + case-insensitive comparison
// rule for link/title matching, reusing the Embedding Adapter's
// normalization (NFKC, trim, whitespace-collapse) and adding lowercasing.
func normalizeTitle(title string) string {
	return strings.ToLower(embed.Normalize(title))
}

// extractedLink is one `[[...]]` token found in a note body.
type extractedLink struct {
	raw        string // verbatim captured text, whitespace preserved
	normalized string
}

func extractLinks(body string) []extractedLink {
	matches := linkPattern.FindAllStringSubmatch(body, -1)
	links := make([]extractedLink, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		raw := m[1]
		normalized := normalizeTitle(raw)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		links = append(links, extractedLink{raw: raw, normalized: normalized})
	}
	return links
}

func extractTags(body string) []string {
	matches := tagPattern.FindAllStringSubmatch(body, -1)
	seen := make(map[string]bool, len(matches))
	var tags []string
	for _, m := range matches {
		tag := strings.ToLower(m[1])
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// mergeTags unions extracted and explicit tags, preserving extracted order
// first then any explicit tag not already present.
func mergeTags(extracted, explicit []string) []string {
	seen := make(map[string]bool, len(extracted)+len(explicit))
	out := make([]string, 0, len(extracted)+len(explicit))
	for _, t := range extracted {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range explicit {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func tagsJSON(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	_ = json.Unmarshal([]byte(raw), &tags)
	return tags
}

// contentHash mirrors the Sync Coordinator's embedding input shape
// (title+"\n\n"+body) so a note's stored content_hash reflects exactly the
// text that will be embedded.
func contentHash(title, body string) string {
	return embed.ContentHash(embed.Normalize(title + "\n\n" + body))
}

// CreateNote implements create_note: assigns a note_id, extracts links and
// tags from body, persists the note, records Link rows (dangling links
// allowed), resolves any pre-existing dangling links whose target matches
// this note's title, and bumps the search corpus epoch so Hybrid Search's
// result cache doesn't serve stale rankings. Embedding itself is not
// performed synchronously — leaving vector_synced_at at zero schedules it
// for the Sync Coordinator's next reconciliation pass (spec.md §4.L), and
// full-text search already finds the note in the meantime (§4.L
// read-after-write guarantee).
func (m *Manager) CreateNote(ctx context.Context, channelID, authorID, title, body string, tags []string, sourceType, originRef string) (string, error) {
	id := newNoteID()
	titleNorm := normalizeTitle(title)
	extracted := extractLinks(body)
	extractedTags := extractTags(body)
	tagsStr, err := tagsJSON(mergeTags(extractedTags, tags))
	if err != nil {
		return "", err
	}

	note := &relstore.Note{
		ID:              id,
		ChannelID:       channelID,
		AuthorID:        authorID,
		Title:           title,
		TitleNormalized: titleNorm,
		Body:            body,
		SourceType:      sourceType,
		Tags:            tagsStr,
		OriginRef:       originRef,
		ContentHash:     contentHash(title, body),
	}
	if err := m.db.InsertNote(note); err != nil {
		return "", fmt.Errorf("knowledge: insert note: %w", err)
	}

	if err := m.writeLinks(id, extracted); err != nil {
		return "", err
	}

	// A note created with this title may satisfy links created earlier
	// that pointed at a title nothing resolved yet (spec.md §4.M
	// scenario S4). Resolution deliberately never touches the linking
	// note's updated_at.
	if titleNorm != "" {
		dangling, err := m.db.DanglingLinksForTitle(titleNorm)
		if err != nil {
			return "", fmt.Errorf("knowledge: scan dangling links: %w", err)
		}
		for _, l := range dangling {
			if err := m.db.ResolveLink(l.ID, id); err != nil {
				return "", fmt.Errorf("knowledge: resolve dangling link %d: %w", l.ID, err)
			}
		}
	}

	if err := m.enqueueArtifact(note); err != nil {
		return "", err
	}

	m.bumpSearchEpoch()
	return id, nil
}

// noteFrontmatter is the YAML header written ahead of a note's body in
// its outbound git artifact, round-trippable by security.ValidateFrontmatter.
type noteFrontmatter struct {
	Title     string   `yaml:"title"`
	NoteID    string   `yaml:"note_id"`
	Tags      []string `yaml:"tags,omitempty"`
	Source    string   `yaml:"source"`
	OriginRef string   `yaml:"origin_ref,omitempty"`
}

// renderNoteFile composes the markdown file written into the vault's git
// working tree for one note: a YAML frontmatter header plus the raw body.
// Redaction is deliberately not applied here — that's the Privacy
// Filter's job on the outbound artifact, at the Batch Processor (spec.md
// §2 step O precedes step D as a batch-processor-side concern here since
// the note body must still be enqueued verbatim for at-least-once retry
// to reproduce the same content on every attempt).
func renderNoteFile(note *relstore.Note) (string, error) {
	header, err := yaml.Marshal(noteFrontmatter{
		Title:     note.Title,
		NoteID:    note.ID,
		Tags:      decodeTags(note.Tags),
		Source:    note.SourceType,
		OriginRef: note.OriginRef,
	})
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal note frontmatter: %w", err)
	}
	return "---\n" + string(header) + "---\n\n" + note.Body, nil
}

// notePath derives the outbound artifact's path within the vault's git
// working tree from the note's title, falling back to its note_id when
// the slug is empty or fails the Security Validator's filename check
// (spec.md §4.A ValidateFilename).
func notePath(id, title string) string {
	name := slugify(title) + ".md"
	if name == ".md" || security.ValidateFilename(name) != nil {
		name = id + ".md"
	}
	return filepath.Join("notes", name)
}

func slugify(title string) string {
	var b strings.Builder
	lastDash := true // suppresses a leading dash
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// enqueueArtifact implements spec.md §2's "(D) enqueue outbound file
// artifact" step: every successful note write schedules the Batch
// Processor to redact, commit, and push the note's rendered markdown
// file. The idempotency key pins one (note_id, content_hash) pair to at
// most one live queue row, so re-enqueueing an unchanged note (e.g. a
// retried caller) is a safe no-op rather than a duplicate commit.
func (m *Manager) enqueueArtifact(note *relstore.Note) error {
	if m.queue == nil {
		return nil
	}
	body, err := renderNoteFile(note)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(batch.Payload{
		Path:      notePath(note.ID, note.Title),
		Body:      body,
		NoteID:    note.ID,
		OriginRef: note.OriginRef,
	})
	if err != nil {
		return fmt.Errorf("knowledge: marshal outbound payload: %w", err)
	}
	idemKey := fmt.Sprintf("note:%s:%s", note.ID, note.ContentHash)
	if _, err := m.queue.Enqueue(payload, 0, idemKey, time.Time{}); err != nil {
		return fmt.Errorf("knowledge: enqueue outbound artifact: %w", err)
	}
	return nil
}

// writeLinks persists the outgoing link set extracted from a note body,
// resolving each target against existing notes where possible and leaving
// it dangling otherwise.
func (m *Manager) writeLinks(fromNoteID string, links []extractedLink) error {
	for _, l := range links {
		toNoteID, found, err := m.db.NoteIDByNormalizedTitle(l.normalized)
		if err != nil {
			return fmt.Errorf("knowledge: resolve link target %q: %w", l.raw, err)
		}
		if err := m.db.UpsertLink(fromNoteID, toNoteID, l.raw, l.normalized, "reference", !found); err != nil {
			return fmt.Errorf("knowledge: upsert link %q: %w", l.raw, err)
		}
	}
	return nil
}

// NotePatch describes a partial update to update_note; nil fields are left
// unchanged.
type NotePatch struct {
	Title *string
	Body  *string
	Tags  []string // when non-nil, replaces the explicit (non-extracted) tag set
}

// UpdateNote implements update_note: applies patch, re-extracts links/tags
// from the new body, and replaces the note's outgoing Link set wholesale
// rather than diffing field-by-field — re-extraction is idempotent so this
// is equivalent and simpler (spec.md §4.M). The Embedding Adapter's cache
// is keyed by content hash, so a changed body naturally misses the old
// cache entry without an explicit invalidation call.
func (m *Manager) UpdateNote(note *relstore.Note, patch NotePatch) error {
	title := note.Title
	if patch.Title != nil {
		title = *patch.Title
	}
	body := note.Body
	if patch.Body != nil {
		body = *patch.Body
	}
	explicitTags := patch.Tags
	if explicitTags == nil {
		explicitTags = decodeTags(note.Tags)
	}

	titleNorm := normalizeTitle(title)
	extractedTags := extractTags(body)
	tagsStr, err := tagsJSON(mergeTags(extractedTags, explicitTags))
	if err != nil {
		return err
	}
	hash := contentHash(title, body)

	if err := m.db.UpdateNote(note.ID, title, titleNorm, body, tagsStr, hash); err != nil {
		return fmt.Errorf("knowledge: update note: %w", err)
	}

	if err := m.db.DeleteLinksFrom(note.ID); err != nil {
		return fmt.Errorf("knowledge: clear outgoing links: %w", err)
	}
	if err := m.writeLinks(note.ID, extractLinks(body)); err != nil {
		return err
	}

	updated := &relstore.Note{
		ID: note.ID, ChannelID: note.ChannelID, AuthorID: note.AuthorID,
		Title: title, TitleNormalized: titleNorm, Body: body,
		SourceType: note.SourceType, Tags: tagsStr, OriginRef: note.OriginRef,
		ContentHash: hash,
	}
	if err := m.enqueueArtifact(updated); err != nil {
		return err
	}

	m.bumpSearchEpoch()
	return nil
}

// DeleteNote implements delete_note: tombstones the note, removes its
// outgoing Link rows, and converts incoming resolved Link rows to dangling
// rather than deleting them, preserving them for audit and possible
// resurrection (spec.md §3, §4.M).
func (m *Manager) DeleteNote(noteID string) error {
	if err := m.db.DeleteLinksFrom(noteID); err != nil {
		return fmt.Errorf("knowledge: remove outgoing links: %w", err)
	}
	if err := m.db.MarkIncomingLinksDangling(noteID); err != nil {
		return fmt.Errorf("knowledge: dangle incoming links: %w", err)
	}
	if err := m.db.DeleteNote(noteID); err != nil {
		return fmt.Errorf("knowledge: tombstone note: %w", err)
	}
	m.bumpSearchEpoch()
	return nil
}

// mergeSynthesisRequest is the Fallback Manager request shape for
// merge_notes' provider-assisted synthesis step.
type mergeSynthesisRequest struct {
	title string
	inputs []*relstore.Note
}

// MergeNotes implements merge_notes: synthesizes (or, when frozen,
// deterministically concatenates) the bodies of the notes named by ids
// into a new note, records `merged_from` Links from the new note to each
// input, and tags each input `merged` (inputs are retained, not deleted).
// When newTitle is empty, the earliest-created input's title is used,
// prefixed "Merged: " (spec.md §4.M).
func (m *Manager) MergeNotes(ctx context.Context, ids []string, newTitle string) (string, error) {
	if len(ids) == 0 {
		return "", fmt.Errorf("knowledge: merge_notes requires at least one input note")
	}
	inputs := make([]*relstore.Note, 0, len(ids))
	for _, id := range ids {
		n, err := m.db.GetNote(id)
		if err != nil {
			return "", fmt.Errorf("knowledge: load merge input %s: %w", id, err)
		}
		inputs = append(inputs, n)
	}

	sorted := append([]*relstore.Note(nil), inputs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })

	title := newTitle
	if title == "" {
		title = "Merged: " + sorted[0].Title
	}

	body, err := m.synthesize(ctx, mergeSynthesisRequest{title: title, inputs: inputs})
	if err != nil {
		return "", fmt.Errorf("knowledge: synthesize merged body: %w", err)
	}

	newID, err := m.CreateNote(ctx, sorted[0].ChannelID, sorted[0].AuthorID, title, body, nil, "merged", "")
	if err != nil {
		return "", err
	}

	for _, n := range inputs {
		if err := m.db.UpsertLink(newID, n.ID, n.Title, n.TitleNormalized, "merged_from", false); err != nil {
			return "", fmt.Errorf("knowledge: record merged_from link to %s: %w", n.ID, err)
		}
		inputTags := mergeTags(decodeTags(n.Tags), []string{"merged"})
		inputTagsStr, err := tagsJSON(inputTags)
		if err != nil {
			return "", err
		}
		if err := m.db.UpdateNote(n.ID, n.Title, n.TitleNormalized, n.Body, inputTagsStr, n.ContentHash); err != nil {
			return "", fmt.Errorf("knowledge: tag merge input %s: %w", n.ID, err)
		}
	}

	return newID, nil
}

// synthesize routes merge_notes' body-generation step through the
// Fallback Manager: Primary (and Secondary) call the configured chat
// Client for a synthesis completion; Local deterministically concatenates
// the inputs' title/body pairs, satisfying "deterministic concatenation
// when frozen" without ever failing (spec.md §4.M, §4.I).
func (m *Manager) synthesize(ctx context.Context, req mergeSynthesisRequest) (string, error) {
	local := func(req mergeSynthesisRequest) string {
		var b strings.Builder
		for i, n := range req.inputs {
			if i > 0 {
				b.WriteString("\n\n---\n\n")
			}
			b.WriteString("## " + n.Title + "\n\n")
			b.WriteString(n.Body)
		}
		return b.String()
	}

	if m.fb == nil || m.primary == nil {
		return local(req), nil
	}

	call := fallback.Call[mergeSynthesisRequest, string]{
		Provider: m.primary.Provider(),
		Kind:     governor.KindNonEssential,
		Primary: func(ctx context.Context, req mergeSynthesisRequest) (string, error) {
			return m.primary.Generate("", synthesisPrompt(req))
		},
		Local: local,
	}
	if m.secondary != nil {
		call.Secondary = func(ctx context.Context, req mergeSynthesisRequest) (string, error) {
			return m.secondary.Generate("", synthesisPrompt(req))
		}
	}
	return fallback.Execute(ctx, m.fb, call, req)
}

func synthesisPrompt(req mergeSynthesisRequest) string {
	var b strings.Builder
	b.WriteString("Combine the following notes into a single cohesive note titled \"" + req.title + "\". ")
	b.WriteString("Preserve all distinct information; remove redundancy.\n\n")
	for _, n := range req.inputs {
		b.WriteString("## " + n.Title + "\n" + n.Body + "\n\n")
	}
	return b.String()
}

// TagSuggestion is one suggest_tags result.
type TagSuggestion struct {
	Tag        string
	Confidence float64
}

// tagAutoApplyThreshold and tagSuggestThreshold are spec.md §4.M's
// suggest_tags confidence bands: >= 0.8 auto-applies, 0.6-0.8 is surfaced
// as a suggestion, < 0.6 is dropped entirely.
const (
	tagAutoApplyThreshold = 0.8
	tagSuggestThreshold   = 0.6
)

// SuggestTags implements suggest_tags: routes content through the
// Fallback Manager for a model-proposed tag list, then filters by
// confidence band. The Local fallback extracts any `#tag` tokens already
// present in content at a fixed 1.0 confidence (deterministic, always
// auto-applies) rather than inventing new tags without a model.
func (m *Manager) SuggestTags(ctx context.Context, content string) ([]TagSuggestion, error) {
	local := func(content string) []TagSuggestion {
		tags := extractTags(content)
		out := make([]TagSuggestion, 0, len(tags))
		for _, t := range tags {
			out = append(out, TagSuggestion{Tag: t, Confidence: 1.0})
		}
		return out
	}

	var suggestions []TagSuggestion
	if m.fb == nil || m.primary == nil {
		suggestions = local(content)
	} else {
		call := fallback.Call[string, []TagSuggestion]{
			Provider: m.primary.Provider(),
			Kind:     governor.KindNonEssential,
			Primary: func(ctx context.Context, content string) ([]TagSuggestion, error) {
				return m.requestTagSuggestions(content, m.primary)
			},
			Local: local,
		}
		if m.secondary != nil {
			call.Secondary = func(ctx context.Context, content string) ([]TagSuggestion, error) {
				return m.requestTagSuggestions(content, m.secondary)
			}
		}
		var err error
		suggestions, err = fallback.Execute(ctx, m.fb, call, content)
		if err != nil {
			return nil, fmt.Errorf("knowledge: suggest_tags: %w", err)
		}
	}

	out := make([]TagSuggestion, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Confidence < tagSuggestThreshold {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

type tagSuggestionWire struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
}

func (m *Manager) requestTagSuggestions(content string, client llm.Client) ([]TagSuggestion, error) {
	prompt := "Suggest up to 8 topical tags for the following note content. " +
		`Respond with JSON: {"tags":[{"tag":"...","confidence":0.0}]}.` +
		"\n\n" + content
	raw, err := client.GenerateJSON("", prompt)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Tags []tagSuggestionWire `json:"tags"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("knowledge: parse tag suggestions: %w", err)
	}
	out := make([]TagSuggestion, 0, len(wire.Tags))
	for _, t := range wire.Tags {
		out = append(out, TagSuggestion{Tag: strings.ToLower(t.Tag), Confidence: t.Confidence})
	}
	return out, nil
}

// FindRelated implements find_related: delegates to Hybrid Search using
// the note's own body as the query, excluding the note itself from the
// results (spec.md §4.M).
func (m *Manager) FindRelated(ctx context.Context, noteID string, k int) ([]search.Result, error) {
	note, err := m.db.GetNote(noteID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: find_related: %w", err)
	}

	results, err := m.search.Search(ctx, note.Title+"\n\n"+note.Body, k+1, search.ModeHybrid)
	if err != nil {
		return nil, fmt.Errorf("knowledge: find_related search: %w", err)
	}

	out := make([]search.Result, 0, len(results))
	for _, r := range results {
		if r.NoteID == noteID {
			continue
		}
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (m *Manager) bumpSearchEpoch() {
	if m.search != nil {
		m.search.BumpEpoch()
	}
}
