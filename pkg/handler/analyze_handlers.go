// Analyze HTTP handlers: model answers relayed as server-sent events
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/service"
)

// AnalyzeHandler streams model answers
type AnalyzeHandler struct {
	analyze *service.AnalyzeService
	store   *service.ChatStore
	logger  *slog.Logger
}

// NewAnalyzeHandler creates a new analyze handler
func NewAnalyzeHandler(analyze *service.AnalyzeService, store *service.ChatStore, logger *slog.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{
		analyze: analyze,
		store:   store,
		logger:  logger,
	}
}

// RegisterRoutes registers analyze routes
func (h *AnalyzeHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analyzeCode", h.AnalyzePayload)
	r.GET("/analyzeCode", h.AnalyzeConversation)
}

// AnalyzePayload streams an answer for the turns in the request body
// POST /api/analyzeCode
func (h *AnalyzeHandler) AnalyzePayload(c *gin.Context) {
	var req models.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages are required"})
		return
	}
	h.stream(c, "", req.Messages, req.Files)
}

// AnalyzeConversation streams an answer for a persisted conversation
// GET /api/analyzeCode?conversationId=xxx
func (h *AnalyzeHandler) AnalyzeConversation(c *gin.Context) {
	id := strings.TrimSpace(c.Query("conversationId"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}
	conv, ok := loadOwned(c, h.store, h.logger, id)
	if !ok {
		return
	}
	turns, err := h.analyze.HistoryTurns(c.Request.Context(), conv.ID)
	if err != nil {
		h.logger.Error("Failed to load history", "conversation_id", conv.ID, "op", "analyze", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation history"})
		return
	}
	if len(turns) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No messages found"})
		return
	}
	h.stream(c, conv.ID, turns, nil)
}

// stream answers before any byte is written with a JSON error; once the
// event stream has started, failures become an `event: error` record and
// no end marker follows.
func (h *AnalyzeHandler) stream(c *gin.Context, conversationID string, turns []models.Turn, files []models.UploadedFile) {
	reader, err := h.analyze.Stream(c.Request.Context(), turns, files)
	if err != nil {
		if errors.Is(err, service.ErrModelNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to start analysis", "conversation_id", conversationID, "op", "analyze", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to reach the model"})
		return
	}
	defer reader.Close()

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Status(http.StatusOK)

	w := NewSSEWriter(c.Writer)
	if err := relayChunks(reader, w); err != nil {
		if c.Request.Context().Err() != nil {
			// Client disconnected
			return
		}
		h.logger.Error("Model stream failed", "conversation_id", conversationID, "op", "analyze", "error", err)
		_ = w.WriteEvent("error", models.StreamError{Error: err.Error()})
		return
	}
	w.WriteDone()
}

// relayChunks writes one fragment record per non-empty chunk until io.EOF.
func relayChunks(reader *schema.StreamReader[*schema.Message], w *SSEWriter) error {
	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		if err := w.WriteEvent("", models.Fragment{Content: msg.Content}); err != nil {
			return err
		}
	}
}

// SSEWriter wraps gin.ResponseWriter for proper SSE streaming
type SSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w gin.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{
		writer:  w,
		flusher: flusher,
	}
}

// WriteEvent writes an SSE event
func (w *SSEWriter) WriteEvent(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if event != "" {
		fmt.Fprintf(w.writer, "event: %s\n", event)
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", jsonData); err != nil {
		return err
	}

	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteDone writes the done event
func (w *SSEWriter) WriteDone() {
	fmt.Fprintf(w.writer, "data: %s\n\n", "[DONE]")
	if w.flusher != nil {
		w.flusher.Flush()
	}
}
