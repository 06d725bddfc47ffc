// Package orchestrator decides, per user action, which conversation a
// message belongs to and does the bookkeeping that must finish before any
// stream starts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rubberduck/rubberduck/pkg/conversation"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/utils"
)

// ErrNoLocalStore is returned for an anonymous chat when no local session is configured.
var ErrNoLocalStore = errors.New("anonymous chat needs a local store")

// Mode tells the caller which session kind carries the conversation.
type Mode string

const (
	ModeDurable Mode = "durable"
	ModeLocal   Mode = "local"
)

// Outcome is the routing decision for one message.
type Outcome struct {
	// ConversationID is empty in local mode.
	ConversationID string
	Mode           Mode
	// Reused is set when an empty draft conversation or an unanswered
	// local entry was taken over instead of creating a new one.
	Reused bool
	// PendingReplay is set when the message was recorded but not answered;
	// the caller resumes it after navigating to the conversation.
	PendingReplay bool
}

// Identity resolves the signed-in principal.
type Identity interface {
	CurrentSession(ctx context.Context) (*models.Session, error)
}

// Store is the durable persistence, scoped to the current principal.
type Store interface {
	LatestConversation(ctx context.Context) (*models.Conversation, error)
	CreateConversation(ctx context.Context, title string) (*models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, conversationID, sender, text string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// LocalDrafts is the anonymous conversation. *conversation.LocalSession satisfies it.
type LocalDrafts interface {
	HasUnansweredDraft() bool
	ReviseDraft(text string, files []models.UploadedFile) error
	AddPending(text string, files []models.UploadedFile) error
}

// Quota admits new durable conversations.
type Quota interface {
	Acquire(ctx context.Context) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQuota checks q before creating a conversation. Without it the store
// is expected to enforce the limit.
func WithQuota(q Quota) Option {
	return func(o *Orchestrator) { o.quota = q }
}

// WithLocal enables anonymous mode.
func WithLocal(l LocalDrafts) Option {
	return func(o *Orchestrator) { o.local = l }
}

type Orchestrator struct {
	identity Identity
	store    Store
	titler   conversation.Titler
	local    LocalDrafts
	quota    Quota
	logger   *slog.Logger
}

func New(identity Identity, store Store, titler conversation.Titler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		identity: identity,
		store:    store,
		titler:   titler,
		logger:   utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Route resolves the conversation for a message. A bound conversation is
// used as is and nothing is persisted; the caller submits the turn.
func (o *Orchestrator) Route(ctx context.Context, boundID, message string, files []models.UploadedFile) (Outcome, error) {
	if boundID != "" {
		return Outcome{ConversationID: boundID, Mode: ModeDurable}, nil
	}
	return o.NewChat(ctx, message, files)
}

// NewChat starts a conversation with message. Durable chats are created,
// titled and hold the persisted message when NewChat returns.
func (o *Orchestrator) NewChat(ctx context.Context, message string, files []models.UploadedFile) (Outcome, error) {
	message = strings.TrimSpace(message)
	if message == "" && len(files) == 0 {
		return Outcome{}, conversation.ErrEmptyMessage
	}

	var session *models.Session
	if o.identity != nil {
		var err error
		session, err = o.identity.CurrentSession(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("resolve session: %w", err)
		}
	}
	if session == nil {
		return o.newLocalChat(message, files)
	}
	return o.newDurableChat(ctx, message, files)
}

func (o *Orchestrator) newDurableChat(ctx context.Context, message string, files []models.UploadedFile) (Outcome, error) {
	conv, reused, err := o.draftOrCreate(ctx)
	if err != nil {
		return Outcome{}, err
	}

	titleSource := message
	if titleSource == "" {
		titleSource = models.RenderFiles(files)
	}
	o.title(ctx, conv.ID, titleSource)

	if _, err := o.store.AppendMessage(ctx, conv.ID, models.SenderUser, models.ComposeMessage(message, files)); err != nil {
		o.logger.Error("failed to persist initial message", "conversation_id", conv.ID, "op", "new_chat", "error", err)
		return Outcome{}, fmt.Errorf("persist initial message: %w", err)
	}

	return Outcome{ConversationID: conv.ID, Mode: ModeDurable, Reused: reused, PendingReplay: true}, nil
}

// draftOrCreate reuses the principal's latest conversation when it is an
// untitled draft with no messages.
func (o *Orchestrator) draftOrCreate(ctx context.Context) (*models.Conversation, bool, error) {
	latest, err := o.store.LatestConversation(ctx)
	if err != nil {
		o.logger.Warn("failed to read latest conversation", "op", "new_chat", "error", err)
	}
	if latest != nil && latest.HasPlaceholderTitle() {
		msgs, err := o.store.ListMessages(ctx, latest.ID)
		if err == nil && len(msgs) == 0 {
			o.logger.Debug("reusing empty draft conversation", "conversation_id", latest.ID)
			return latest, true, nil
		}
	}

	if o.quota != nil {
		if err := o.quota.Acquire(ctx); err != nil {
			return nil, false, err
		}
	}
	conv, err := o.store.CreateConversation(ctx, models.PlaceholderTitle)
	if err != nil {
		o.logger.Error("failed to create conversation", "op", "new_chat", "error", err)
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, false, nil
}

func (o *Orchestrator) title(ctx context.Context, id, message string) {
	if o.titler == nil {
		return
	}
	title, err := o.titler.GenerateTitle(ctx, message)
	if err != nil || strings.TrimSpace(title) == "" {
		o.logger.Warn("title generation failed, keeping placeholder", "conversation_id", id, "op", "title", "error", err)
		return
	}
	if err := o.store.UpdateConversationTitle(ctx, id, title); err != nil {
		o.logger.Warn("failed to persist title", "conversation_id", id, "op", "title", "error", err)
	}
}

func (o *Orchestrator) newLocalChat(message string, files []models.UploadedFile) (Outcome, error) {
	if o.local == nil {
		return Outcome{}, ErrNoLocalStore
	}
	if o.local.HasUnansweredDraft() {
		if err := o.local.ReviseDraft(message, files); err != nil {
			return Outcome{}, err
		}
		return Outcome{Mode: ModeLocal, Reused: true, PendingReplay: true}, nil
	}
	if err := o.local.AddPending(message, files); err != nil {
		return Outcome{}, err
	}
	return Outcome{Mode: ModeLocal, PendingReplay: true}, nil
}
