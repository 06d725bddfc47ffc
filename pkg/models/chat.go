// API types shared by the server, the relay and the terminal client
package models

import (
	"strconv"

	"github.com/rubberduck/rubberduck/pkg/db"
)

// ========== Type aliases for database types ==========

type Conversation = db.Conversation
type Message = db.Message
type User = db.User

const (
	SenderUser       = db.SenderUser
	SenderAssistant  = db.SenderAssistant
	PlaceholderTitle = db.PlaceholderTitle

	// FallbackTitle is returned by the title endpoint when the model yields nothing.
	FallbackTitle = "Untitled Conversation"
)

// Turn roles on the analyze wire
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one role/content pair sent to the model backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UploadedFile is a file attached to a turn; it is rendered as a fenced block.
type UploadedFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// AnalyzeRequest is the payload-addressed body of POST /api/analyzeCode.
type AnalyzeRequest struct {
	Messages []Turn         `json:"messages"`
	Files    []UploadedFile `json:"files,omitempty"`
}

// Fragment is one incremental piece of assistant text on the event stream.
type Fragment struct {
	Content string `json:"content"`
}

// StreamError is the payload of an `event: error` record.
type StreamError struct {
	Error string `json:"error"`
}

// ConversationEntry pairs a user message with its (possibly partial) answer.
type ConversationEntry struct {
	UserMessage string         `json:"user_message"`
	AIResponse  string         `json:"ai_response"`
	Loading     bool           `json:"loading"`
	Files       []UploadedFile `json:"files,omitempty"`
}

// Answered reports whether the entry holds a completed response.
func (e ConversationEntry) Answered() bool {
	return !e.Loading && e.AIResponse != ""
}

// ========== Conversation CRUD ==========

type CreateConversationRequest struct {
	Title string `json:"title,omitempty"`
}

type UpdateTitleRequest struct {
	Title string `json:"title" binding:"required"`
}

type GenerateTitleRequest struct {
	Message string `json:"message"`
}

type GenerateTitleResponse struct {
	Title string `json:"title"`
}

type ConversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// ConversationSummary is the id/title projection served by GET /api/conversations/title.
type ConversationSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ========== Messages ==========

type CreateMessageRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Sender         string `json:"sender"`
	MessageText    string `json:"message_text"`
}

type CreateMessageResponse struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// ========== Identity ==========

type Credentials struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Session is the authenticated principal plus its bearer token.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// SessionResponse wraps a nullable session for GET /api/auth/session.
type SessionResponse struct {
	Session *Session `json:"session"`
}

// NormalizeSender maps user, assistant and ai to the stored sender value.
func NormalizeSender(s string) string { return db.NormalizeSender(s) }

// APIError is a non-2xx response from the HTTP surface.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "api error: status " + strconv.Itoa(e.StatusCode)
	}
	return "api error: status " + strconv.Itoa(e.StatusCode) + ": " + e.Message
}
