// Database models for rubber duck conversations
package db

import "time"

// PlaceholderTitle is held by a conversation until its first title is generated.
const PlaceholderTitle = "New Chat"

// Conversation is one debugging session. UserID is nil for conversations
// created without a principal.
type Conversation struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    *string   `json:"user_id" gorm:"index;size:36"`
	Title     string    `json:"title" gorm:"size:200;default:'New Chat'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// HasPlaceholderTitle reports whether the conversation still awaits a title.
func (c *Conversation) HasPlaceholderTitle() bool {
	return c.Title == "" || c.Title == PlaceholderTitle
}
