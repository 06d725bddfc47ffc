// Conversation and message HTTP handlers
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/service"
)

// ChatHandler handles conversation and message CRUD
type ChatHandler struct {
	store   *service.ChatStore
	analyze *service.AnalyzeService
	quota   *service.QuotaService
	logger  *slog.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(store *service.ChatStore, analyze *service.AnalyzeService, quota *service.QuotaService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		store:   store,
		analyze: analyze,
		quota:   quota,
		logger:  logger,
	}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	conversations := r.Group("/conversations")
	{
		conversations.GET("", h.ListConversations)
		conversations.POST("", h.CreateConversation)
		conversations.GET("/title", h.ListTitles)
		conversations.POST("/title", h.GenerateTitle)
		conversations.GET("/:id", h.GetConversation)
		conversations.PUT("/:id/title", h.UpdateTitle)
		conversations.DELETE("/:id", h.DeleteConversation)
	}

	r.GET("/messages", h.GetMessages)
	r.POST("/messages", h.CreateMessage)
}

// ListConversations lists the principal's conversations, most recent first
// GET /api/conversations
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID, ok := requirePrincipal(c)
	if !ok {
		return
	}
	convs, err := h.store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list conversations", "op", "list_conversations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get conversations"})
		return
	}
	c.JSON(http.StatusOK, models.ConversationListResponse{Conversations: convs})
}

// CreateConversation creates a conversation for the principal
// POST /api/conversations
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	userID, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req models.CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
			return
		}
	}

	conv, ok := h.newConversation(c, userID, req.Title)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// newConversation admits and creates a conversation, writing the error
// response on failure.
func (h *ChatHandler) newConversation(c *gin.Context, userID, title string) (*models.Conversation, bool) {
	if h.quota != nil {
		if err := h.quota.Acquire(c.Request.Context()); err != nil {
			if errors.Is(err, service.ErrQuotaExceeded) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
				return nil, false
			}
			h.logger.Error("Failed to check session quota", "op", "create_conversation", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to check session quota"})
			return nil, false
		}
	}
	conv, err := h.store.CreateConversation(c.Request.Context(), &userID, title)
	if err != nil {
		h.logger.Error("Failed to create conversation", "op", "create_conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create conversation"})
		return nil, false
	}
	return conv, true
}

// GetConversation retrieves a single conversation
// GET /api/conversations/:id
func (h *ChatHandler) GetConversation(c *gin.Context) {
	conv, ok := h.ownedConversation(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conv)
}

// UpdateTitle sets a conversation's title
// PUT /api/conversations/:id/title
func (h *ChatHandler) UpdateTitle(c *gin.Context) {
	var req models.UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	conv, ok := h.ownedConversation(c, c.Param("id"))
	if !ok {
		return
	}
	if err := h.store.UpdateConversationTitle(c.Request.Context(), conv.ID, req.Title); err != nil {
		if errors.Is(err, service.ErrTitleRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to update conversation title", "conversation_id", conv.ID, "op", "update_title", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update conversation title"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation title updated successfully"})
}

// DeleteConversation deletes a conversation and its messages
// DELETE /api/conversations/:id
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	conv, ok := h.ownedConversation(c, c.Param("id"))
	if !ok {
		return
	}
	if err := h.store.DeleteConversation(c.Request.Context(), conv.ID); err != nil {
		h.logger.Error("Failed to delete conversation", "conversation_id", conv.ID, "op", "delete_conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted successfully"})
}

// GenerateTitle produces a title for a message, falling back to a fixed
// title when the model yields nothing. Model failures are reported so the
// caller keeps its placeholder.
// POST /api/conversations/title
func (h *ChatHandler) GenerateTitle(c *gin.Context) {
	var req models.GenerateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	title, err := h.analyze.TitleOrFallback(c.Request.Context(), req.Message, models.FallbackTitle)
	if err != nil {
		if errors.Is(err, service.ErrModelNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to generate title", "op", "generate_title", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate title"})
		return
	}
	c.JSON(http.StatusOK, models.GenerateTitleResponse{Title: title})
}

// ListTitles lists id and title of the principal's conversations
// GET /api/conversations/title
func (h *ChatHandler) ListTitles(c *gin.Context) {
	userID, ok := requirePrincipal(c)
	if !ok {
		return
	}
	convs, err := h.store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list conversation titles", "op", "list_titles", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get conversations"})
		return
	}
	out := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, models.ConversationSummary{ID: conv.ID, Title: conv.Title})
	}
	c.JSON(http.StatusOK, out)
}

// GetMessages lists a conversation's messages in order
// GET /api/messages  (header conversation-id or query conversationId)
func (h *ChatHandler) GetMessages(c *gin.Context) {
	id := strings.TrimSpace(c.GetHeader("conversation-id"))
	if id == "" {
		id = strings.TrimSpace(c.Query("conversationId"))
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Conversation ID is required"})
		return
	}
	conv, ok := h.ownedConversation(c, id)
	if !ok {
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		h.logger.Error("Failed to get messages", "conversation_id", conv.ID, "op", "get_messages", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get messages"})
		return
	}
	if len(msgs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No messages found"})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// CreateMessage stores one message, creating the conversation when no id
// is given
// POST /api/messages
func (h *ChatHandler) CreateMessage(c *gin.Context) {
	userID, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req models.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	if strings.TrimSpace(req.MessageText) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_text is required"})
		return
	}
	if models.NormalizeSender(req.Sender) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrInvalidSender.Error()})
		return
	}

	var conv *models.Conversation
	if req.ConversationID == "" {
		conv, ok = h.newConversation(c, userID, "")
	} else {
		conv, ok = h.ownedConversation(c, req.ConversationID)
	}
	if !ok {
		return
	}

	msg, err := h.store.AppendMessage(c.Request.Context(), conv.ID, req.Sender, req.MessageText)
	if err != nil {
		h.logger.Error("Failed to save message", "conversation_id", conv.ID, "op", "create_message", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save message"})
		return
	}
	c.JSON(http.StatusCreated, models.CreateMessageResponse{ConversationID: conv.ID, Message: *msg})
}

// ownedConversation loads a conversation the principal may access. It
// writes 400, 401, 403, 404 or 500 and returns false otherwise. Ownerless
// conversations are readable by anyone.
func (h *ChatHandler) ownedConversation(c *gin.Context, id string) (*models.Conversation, bool) {
	return loadOwned(c, h.store, h.logger, id)
}

func loadOwned(c *gin.Context, store *service.ChatStore, logger *slog.Logger, id string) (*models.Conversation, bool) {
	if strings.TrimSpace(id) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Conversation ID is required"})
		return nil, false
	}
	conv, err := store.GetConversation(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return nil, false
		}
		logger.Error("Failed to get conversation", "conversation_id", id, "op", "get_conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get conversation"})
		return nil, false
	}
	if conv.UserID == nil {
		return conv, true
	}
	userID, ok := requirePrincipal(c)
	if !ok {
		return nil, false
	}
	if *conv.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Conversation belongs to another user"})
		return nil, false
	}
	return conv, true
}
