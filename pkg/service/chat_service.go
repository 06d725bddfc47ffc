// Conversation and message persistence
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rubberduck/rubberduck/pkg/event"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// appendAttempts bounds retries when two writers pick the same seq.
const appendAttempts = 3

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidSender        = errors.New("sender must be user or assistant")
	ErrEmptyMessage         = errors.New("message text is required")
	ErrModelNotConfigured   = errors.New("model not configured")
	ErrEmptyTitle           = errors.New("model returned an empty title")
	ErrTitleRequired        = errors.New("title is required")
)

// ChatStore persists conversations and messages and announces conversation
// changes on the event emitter.
type ChatStore struct {
	db      *gorm.DB
	emitter *event.Emitter
	logger  *slog.Logger
}

// NewChatStore creates a store over an already migrated database.
// A nil emitter means event.Global().
func NewChatStore(gdb *gorm.DB, emitter *event.Emitter) *ChatStore {
	if emitter == nil {
		emitter = event.Global()
	}
	return &ChatStore{
		db:      gdb,
		emitter: emitter,
		logger:  utils.GetLogger(),
	}
}

// ========== Conversation Management ==========

// CreateConversation inserts a conversation. An empty title becomes the placeholder.
func (s *ChatStore) CreateConversation(ctx context.Context, userID *string, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.PlaceholderTitle
	}

	conv := &models.Conversation{
		ID:     uuid.New().String(),
		UserID: userID,
		Title:  title,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.emit(event.ConversationCreatedEvent{UserID: ownerOf(conv), ConversationID: conv.ID, Title: conv.Title})
	return conv, nil
}

// GetConversation retrieves a conversation by ID
func (s *ChatStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// ListConversations lists a user's conversations, most recently active first.
func (s *ChatStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	conversations := []models.Conversation{}
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("created_at DESC").
		Find(&conversations).Error; err != nil {
		return nil, err
	}
	return conversations, nil
}

// UpdateConversationTitle sets the display title.
func (s *ChatStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrTitleRequired
	}
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(conv).Updates(map[string]interface{}{
		"title":      title,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}

	s.emit(event.ConversationUpdatedEvent{UserID: ownerOf(conv), ConversationID: id, Title: title})
	return nil
}

// DeleteConversation deletes a conversation and its messages
func (s *ChatStore) DeleteConversation(ctx context.Context, id string) error {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Delete messages first
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.logger.Info("conversation deleted", "conversation_id", id)
	s.emit(event.ConversationDeletedEvent{UserID: ownerOf(conv), ConversationID: id})
	return nil
}

// ========== Message Management ==========

// AppendMessage stores one turn. sender accepts user, assistant and ai.
func (s *ChatStore) AppendMessage(ctx context.Context, conversationID, sender, text string) (*models.Message, error) {
	role := models.NormalizeSender(sender)
	if role == "" {
		return nil, ErrInvalidSender
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         role,
		Text:           &text,
	}
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return appendInTx(tx, msg)
		})
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
		s.logger.Debug("message seq taken, retrying", "conversation_id", conversationID, "op", "append_message", "attempt", attempt+1)
	}
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

// appendInTx locks the conversation row, then stores msg after the
// conversation's last message.
func appendInTx(tx *gorm.DB, msg *models.Message) error {
	var conv models.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("id = ?", msg.ConversationID).
		Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return err
	}

	var last struct{ Seq int64 }
	if err := tx.Model(&models.Message{}).
		Select("COALESCE(MAX(seq), 0) AS seq").
		Where("conversation_id = ?", msg.ConversationID).
		Scan(&last).Error; err != nil {
		return err
	}
	msg.Seq = last.Seq + 1

	if err := tx.Create(msg).Error; err != nil {
		return err
	}
	return tx.Model(&models.Conversation{}).Where("id = ?", msg.ConversationID).
		Update("updated_at", time.Now()).Error
}

// ListMessages returns a conversation's messages in submission order.
// Null and empty bodies are excluded.
func (s *ChatStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	messages := []models.Message{}
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Where("message_text IS NOT NULL AND message_text <> ''").
		Order("seq ASC").
		Order("created_at ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// LatestConversation returns the user's most recently active conversation,
// or nil when there is none.
func (s *ChatStore) LatestConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("created_at DESC").
		Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// emit skips conversations without an owner; nobody can subscribe to them.
func (s *ChatStore) emit(ev event.Event) {
	if ev.Owner() == "" {
		return
	}
	s.emitter.Emit(ev)
}

func ownerOf(conv *models.Conversation) string {
	if conv.UserID == nil {
		return ""
	}
	return *conv.UserID
}
