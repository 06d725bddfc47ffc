package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/relay"
)

// Session is a durable conversation. Messages are persisted through Store
// and the relay is addressed by conversation id.
type Session struct {
	turns

	id       string
	store    Store
	titler   Titler
	streamer Streamer
}

// NewSession binds a session to conversation id. titler may be nil, in
// which case placeholder titles are left alone.
func NewSession(id string, store Store, titler Titler, streamer Streamer, opts ...Option) *Session {
	s := &Session{id: id, store: store, titler: titler, streamer: streamer}
	s.configure(opts)
	return s
}

// ID returns the bound conversation id.
func (s *Session) ID() string {
	return s.id
}

// Load rebuilds the entries from persisted messages.
func (s *Session) Load(ctx context.Context) error {
	msgs, err := s.store.ListMessages(ctx, s.id)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", s.id, err)
	}
	s.setEntries(pairEntries(msgs))
	return nil
}

// Submit runs one turn: persist the user message, show it, title the
// conversation if needed, then stream and persist the answer. It returns
// the answer text. A second Submit while one is outstanding fails with
// ErrTurnInFlight.
func (s *Session) Submit(ctx context.Context, text string, files []models.UploadedFile) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return "", ErrEmptyMessage
	}
	if !s.claim() {
		return "", ErrTurnInFlight
	}

	body := models.ComposeMessage(text, files)
	if _, err := s.store.AppendMessage(ctx, s.id, models.SenderUser, body); err != nil {
		s.release()
		s.logger.Error("failed to persist user message", "conversation_id", s.id, "op", "submit", "error", err)
		return "", fmt.Errorf("persist user message: %w", err)
	}
	s.push(models.ConversationEntry{UserMessage: text, Loading: true, Files: files})

	titleSource := text
	if titleSource == "" {
		titleSource = body
	}
	s.ensureTitle(ctx, titleSource)

	return s.relayTurn(ctx)
}

// ResumeUnanswered streams an answer for a persisted user message that
// has none, without persisting the message again. It returns
// ErrNothingToReplay when the history ends with an answer.
func (s *Session) ResumeUnanswered(ctx context.Context) (string, error) {
	if !s.claim() {
		return "", ErrTurnInFlight
	}
	msgs, err := s.store.ListMessages(ctx, s.id)
	if err != nil {
		s.release()
		return "", fmt.Errorf("load conversation %s: %w", s.id, err)
	}
	entries := pairEntries(msgs)
	if len(entries) == 0 || entries[len(entries)-1].AIResponse != "" || entries[len(entries)-1].UserMessage == "" {
		s.setEntries(entries)
		s.release()
		return "", ErrNothingToReplay
	}
	entries[len(entries)-1].Loading = true
	s.setEntries(entries)

	return s.relayTurn(ctx)
}

// relayTurn runs the relay for the claimed turn and releases the guard.
func (s *Session) relayTurn(ctx context.Context) (string, error) {
	defer s.release()

	answer, err := s.consume(ctx, s.streamer, relay.Target{ConversationID: s.id}, nil)
	if err != nil {
		// Partial text is never persisted.
		s.update(func(e *models.ConversationEntry) { e.AIResponse = "" })
		s.logger.Warn("turn abandoned", "conversation_id", s.id, "op", "stream", "error", err)
		return "", err
	}
	if answer == "" {
		return "", nil
	}
	if _, err := s.store.AppendMessage(ctx, s.id, models.SenderAssistant, answer); err != nil {
		s.logger.Error("failed to persist assistant message", "conversation_id", s.id, "op", "stream", "error", err)
		return answer, fmt.Errorf("persist assistant message: %w", err)
	}
	return answer, nil
}

// ensureTitle replaces a placeholder title. Failures are logged and the
// placeholder stays.
func (s *Session) ensureTitle(ctx context.Context, message string) {
	if s.titler == nil {
		return
	}
	conv, err := s.store.GetConversation(ctx, s.id)
	if err != nil {
		s.logger.Warn("failed to read conversation for title", "conversation_id", s.id, "op", "title", "error", err)
		return
	}
	if !conv.HasPlaceholderTitle() {
		return
	}
	title, err := s.titler.GenerateTitle(ctx, message)
	if err != nil || strings.TrimSpace(title) == "" {
		s.logger.Warn("title generation failed", "conversation_id", s.id, "op", "title", "error", err)
		return
	}
	if err := s.store.UpdateConversationTitle(ctx, s.id, title); err != nil {
		s.logger.Warn("failed to persist title", "conversation_id", s.id, "op", "title", "error", err)
	}
}
