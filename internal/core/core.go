// Package core implements the on_event handler spec.md §6 names as the
// process's single entry point for chat-platform collaborators: a thin
// adapter (out of scope per spec.md §1) translates a gateway event into a
// chatevent.Event and calls Handler.OnEvent, which routes it through a
// chatevent.Registry into the Knowledge Manager and, for voice input, the
// Transcription Adapter — replacing the source's framework-specific
// decorator dispatch with the single explicit map chatevent.Registry
// describes.
package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/nescordvault/nescordvault/internal/chatevent"
	"github.com/nescordvault/nescordvault/internal/knowledge"
	"github.com/nescordvault/nescordvault/internal/transcribe"
)

// maxTitleRunes bounds the title derived from a message's first line.
const maxTitleRunes = 80

// Ack is the acknowledgement payload on_event returns (spec.md §6:
// `{status, note_id?, message?}`).
type Ack struct {
	Status  string `json:"status"`
	NoteID  string `json:"note_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler wires a chatevent.Registry over the Knowledge Manager and an
// optional Transcription Adapter.
type Handler struct {
	reg     *chatevent.Registry
	know    *knowledge.Manager
	transcr *transcribe.Adapter
}

// New builds a Handler and registers its three event handlers. transcr
// may be nil — voice_message events then ack "unavailable" rather than
// failing, the same degraded posture the Fallback Manager takes when a
// provider isn't configured.
func New(know *knowledge.Manager, transcr *transcribe.Adapter) *Handler {
	h := &Handler{reg: chatevent.NewRegistry(), know: know, transcr: transcr}
	h.reg.Register("text_message", h.handleText)
	h.reg.Register("voice_message", h.handleVoice)
	h.reg.Register("command", h.handleCommand)
	return h
}

type ackContextKey struct{}

// OnEvent implements spec.md §6's `on_event(event)` handler: dispatches ev
// through the Registry and translates the handler's outcome into an Ack
// rather than letting a raw error escape to the collaborator.
func (h *Handler) OnEvent(ctx context.Context, ev chatevent.Event) Ack {
	ack := Ack{Status: "ok"}
	ctx = context.WithValue(ctx, ackContextKey{}, &ack)
	if err := h.reg.Dispatch(ctx, ev); err != nil {
		return Ack{Status: "error", Message: err.Error()}
	}
	return ack
}

func setAck(ctx context.Context, ack Ack) {
	if ref, ok := ctx.Value(ackContextKey{}).(*Ack); ok {
		*ref = ack
	}
}

func (h *Handler) handleText(ctx context.Context, ev chatevent.Event) error {
	msg, ok := ev.(chatevent.TextMessage)
	if !ok {
		return fmt.Errorf("core: text_message handler received %T", ev)
	}
	id, err := h.know.CreateNote(ctx, msg.ChannelID, msg.AuthorID,
		titleFromContent(msg.Content), msg.Content, nil, "fleeting", msg.OriginRef)
	if err != nil {
		return fmt.Errorf("core: create note from text message: %w", err)
	}
	setAck(ctx, Ack{Status: "ok", NoteID: id})
	return nil
}

func (h *Handler) handleVoice(ctx context.Context, ev chatevent.Event) error {
	msg, ok := ev.(chatevent.VoiceMessage)
	if !ok {
		return fmt.Errorf("core: voice_message handler received %T", ev)
	}
	if h.transcr == nil {
		setAck(ctx, Ack{Status: "unavailable", Message: "transcription adapter not configured"})
		return nil
	}
	result, err := h.transcr.Transcribe(ctx, msg.Audio, msg.MimeType, msg.AuthorID)
	if err != nil {
		return fmt.Errorf("core: transcribe voice message: %w", err)
	}
	id, err := h.know.CreateNote(ctx, msg.ChannelID, msg.AuthorID,
		titleFromContent(result.Text), result.Text, nil, "voice", msg.OriginRef)
	if err != nil {
		return fmt.Errorf("core: create note from voice message: %w", err)
	}
	setAck(ctx, Ack{Status: "ok", NoteID: id})
	return nil
}

func (h *Handler) handleCommand(ctx context.Context, ev chatevent.Event) error {
	cmd, ok := ev.(chatevent.Command)
	if !ok {
		return fmt.Errorf("core: command handler received %T", ev)
	}
	switch strings.ToLower(cmd.Name) {
	case "merge":
		if len(cmd.Args) == 0 {
			return fmt.Errorf("core: merge command requires at least one note id")
		}
		id, err := h.know.MergeNotes(ctx, cmd.Args, "")
		if err != nil {
			return fmt.Errorf("core: merge notes: %w", err)
		}
		setAck(ctx, Ack{Status: "ok", NoteID: id})
		return nil
	default:
		return fmt.Errorf("core: unrecognized command %q", cmd.Name)
	}
}

// titleFromContent derives a note title from a message's first line,
// falling back to "Untitled" for blank content.
func titleFromContent(content string) string {
	line := strings.TrimSpace(content)
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = strings.TrimSpace(line[:nl])
	}
	if line == "" {
		return "Untitled"
	}
	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return line
}
