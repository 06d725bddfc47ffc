package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/utils"
)

// FixtureResponse is streamed instead of calling the model when the last
// user turn is the fixture phrase.
const FixtureResponse = "Quack! You've reached the rubber duck test fixture. No model was called, " +
	"so this answer is always the same. Explain your code to me line by line and the bug will show itself."

// FixtureTitle is the title generated for the fixture phrase.
const FixtureTitle = "Rubber Duck Fixture"

// AnalyzeService turns conversation turns into a streamed model answer.
type AnalyzeService struct {
	chatModel     einoModel.BaseChatModel
	store         *ChatStore
	fixturePhrase string
	logger        *slog.Logger
}

// NewAnalyzeService creates the service. chatModel may be nil, in which case
// only the fixture path works and everything else reports ErrModelNotConfigured.
func NewAnalyzeService(chatModel einoModel.BaseChatModel, store *ChatStore, fixturePhrase string) *AnalyzeService {
	return &AnalyzeService{
		chatModel:     chatModel,
		store:         store,
		fixturePhrase: strings.TrimSpace(fixturePhrase),
		logger:        utils.GetLogger(),
	}
}

// IsFixture reports whether content is exactly the fixture phrase.
func (s *AnalyzeService) IsFixture(content string) bool {
	return s.fixturePhrase != "" && strings.TrimSpace(content) == s.fixturePhrase
}

// Stream starts a streamed answer for the given turns. The caller must
// Close the returned reader.
func (s *AnalyzeService) Stream(ctx context.Context, turns []models.Turn, files []models.UploadedFile) (*schema.StreamReader[*schema.Message], error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	if s.IsFixture(LastUserContent(turns)) {
		s.logger.Debug("serving fixture response")
		return fixtureStream(), nil
	}

	if s.chatModel == nil {
		return nil, ErrModelNotConfigured
	}

	messages := BuildMessages(turns, files)
	reader, err := s.chatModel.Stream(ctx, messages)
	if err != nil {
		s.logger.Error("model stream failed", "op", "analyze", "error", err)
		return nil, fmt.Errorf("model stream: %w", err)
	}
	return reader, nil
}

// HistoryTurns loads the persisted turns of a conversation.
func (s *AnalyzeService) HistoryTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return TurnsFromMessages(msgs), nil
}

// GenerateTitle asks the model for a short title for message.
func (s *AnalyzeService) GenerateTitle(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message is required")
	}
	if s.IsFixture(message) {
		return FixtureTitle, nil
	}
	if s.chatModel == nil {
		return "", ErrModelNotConfigured
	}

	output, err := s.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(TitleInstructions),
		schema.UserMessage(message),
	})
	if err != nil {
		s.logger.Error("Failed to generate title", "op", "title", "error", err)
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(output.Content)
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

// TitleOrFallback generates a title, returning fallback when the model
// answers with nothing usable. Other failures are returned.
func (s *AnalyzeService) TitleOrFallback(ctx context.Context, message, fallback string) (string, error) {
	title, err := s.GenerateTitle(ctx, message)
	if errors.Is(err, ErrEmptyTitle) {
		s.logger.Warn("model returned an empty title, using fallback", "op", "title", "fallback", fallback)
		return fallback, nil
	}
	return title, err
}

func fixtureStream() *schema.StreamReader[*schema.Message] {
	pieces := strings.SplitAfter(FixtureResponse, " ")
	chunks := make([]*schema.Message, 0, len(pieces))
	for _, p := range pieces {
		chunks = append(chunks, schema.AssistantMessage(p, nil))
	}
	return schema.StreamReaderFromArray(chunks)
}
