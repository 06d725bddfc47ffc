package event

const (
	ConversationCreated = "conversation.created"
	ConversationUpdated = "conversation.updated"
	ConversationDeleted = "conversation.deleted"
	AuthChanged         = "auth.changed"
)

// ConversationCreatedEvent is emitted after a conversation row is inserted.
type ConversationCreatedEvent struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

func (e ConversationCreatedEvent) EventName() string { return ConversationCreated }
func (e ConversationCreatedEvent) Owner() string     { return e.UserID }

// ConversationUpdatedEvent is emitted when a conversation title changes.
type ConversationUpdatedEvent struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

func (e ConversationUpdatedEvent) EventName() string { return ConversationUpdated }
func (e ConversationUpdatedEvent) Owner() string     { return e.UserID }

// ConversationDeletedEvent is emitted after a conversation and its messages are removed.
type ConversationDeletedEvent struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

func (e ConversationDeletedEvent) EventName() string { return ConversationDeleted }
func (e ConversationDeletedEvent) Owner() string     { return e.UserID }

// AuthChangedEvent is emitted on sign-in, sign-up and sign-out.
type AuthChangedEvent struct {
	UserID   string `json:"user_id"`
	SignedIn bool   `json:"signed_in"`
}

func (e AuthChangedEvent) EventName() string { return AuthChanged }
func (e AuthChangedEvent) Owner() string     { return e.UserID }
