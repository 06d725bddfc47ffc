// Database models for chat messages
package db

import (
	"strings"
	"time"
)

// Message is one persisted turn. Seq orders the turns of a conversation
// and is unique within it.
type Message struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string    `json:"conversation_id" gorm:"uniqueIndex:idx_messages_conversation_seq,priority:1;size:36;not null"`
	Sender         string    `json:"sender" gorm:"size:20;not null"` // user, assistant
	Text           *string   `json:"message_text" gorm:"column:message_text;type:text"`
	Seq            int64     `json:"-" gorm:"uniqueIndex:idx_messages_conversation_seq,priority:2;not null;default:0"`
	CreatedAt      time.Time `json:"created_at"`
}

func (*Message) TableName() string {
	return "messages"
}

// Message senders
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// NormalizeSender maps accepted sender spellings to the stored value.
// It returns "" for anything unknown.
func NormalizeSender(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SenderUser:
		return SenderUser
	case SenderAssistant, "ai":
		return SenderAssistant
	default:
		return ""
	}
}

// Body returns the message text, or "" when it is null.
func (m *Message) Body() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}
