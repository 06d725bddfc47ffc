package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/rubberduck/rubberduck/pkg/client"
	"github.com/rubberduck/rubberduck/pkg/conversation"
	"github.com/rubberduck/rubberduck/pkg/db"
	"github.com/rubberduck/rubberduck/pkg/event"
	"github.com/rubberduck/rubberduck/pkg/handler"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/orchestrator"
	"github.com/rubberduck/rubberduck/pkg/service"
	"github.com/rubberduck/rubberduck/pkg/utils"
	"github.com/stretchr/testify/require"
)

type duckModel struct {
	title  string
	chunks []string

	mu       sync.Mutex
	titleErr error
}

func (m *duckModel) setTitleErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titleErr = err
}

func (m *duckModel) Generate(context.Context, []*schema.Message, ...einoModel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.titleErr != nil {
		return nil, m.titleErr
	}
	return schema.AssistantMessage(m.title, nil), nil
}

func (m *duckModel) Stream(context.Context, []*schema.Message, ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newServerWithModel(t, &duckModel{title: "Division By Zero", chunks: []string{"You", "'re", " dividing by zero."}})
}

func newServerWithModel(t *testing.T, model *duckModel) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	emitter := event.NewEmitter()
	store := service.NewChatStore(gdb, emitter)

	engine := gin.New()
	handler.Mount(engine.Group("/api"), handler.Services{
		Store:   store,
		Analyze: service.NewAnalyzeService(model, store, "quack quack debug"),
		Auth:    service.NewAuthService(gdb, emitter),
		Quota:   service.NewQuotaService(nil, 0),
		Emitter: emitter,
	}, utils.GetLogger())

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func TestSignedInChatEndToEnd(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	hookCalls := 0
	c := client.New(srv.URL, client.OnSignIn(func() error {
		hookCalls++
		return nil
	}))

	sess, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	require.Nil(t, sess)

	_, err = c.SignUp(ctx, models.Credentials{Email: "duck@example.com", Password: "hunter22!"})
	require.NoError(t, err)
	require.Equal(t, 1, hookCalls)
	require.NotEmpty(t, c.Token())

	orch := orchestrator.New(c, c, c)
	out, err := orch.Route(ctx, "", "fix this: x=1/0", nil)
	require.NoError(t, err)
	require.Equal(t, orchestrator.ModeDurable, out.Mode)
	require.True(t, out.PendingReplay)

	conv, err := c.GetConversation(ctx, out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "Division By Zero", conv.Title)

	session := conversation.NewSession(out.ConversationID, c, c, c.Relay())
	require.NoError(t, session.Load(ctx))
	text, err := session.ResumeUnanswered(ctx)
	require.NoError(t, err)
	require.Equal(t, "You're dividing by zero.", text)

	msgs, err := c.ListMessages(ctx, out.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, models.SenderUser, msgs[0].Sender)
	require.Equal(t, "You're dividing by zero.", msgs[1].Body())

	// A second message goes to the bound conversation.
	out2, err := orch.Route(ctx, out.ConversationID, "and now?", nil)
	require.NoError(t, err)
	require.Equal(t, out.ConversationID, out2.ConversationID)
	_, err = session.Submit(ctx, "and now?", nil)
	require.NoError(t, err)
	require.Len(t, session.Entries(), 2)

	convs, err := c.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	require.NoError(t, c.SignOut(ctx))
	require.Empty(t, c.Token())
	_, err = c.ListConversations(ctx)
	var apiErr *models.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestFailedTitleKeepsPlaceholder(t *testing.T) {
	model := &duckModel{title: "Division By Zero", chunks: []string{"Check the divisor."}}
	model.setTitleErr(errors.New("model overloaded"))
	srv := newServerWithModel(t, model)
	ctx := context.Background()

	c := client.New(srv.URL)
	_, err := c.SignUp(ctx, models.Credentials{Email: "duck@example.com", Password: "hunter22!"})
	require.NoError(t, err)

	_, err = c.GenerateTitle(ctx, "fix this: x=1/0")
	var apiErr *models.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	out, err := orchestrator.New(c, c, c).Route(ctx, "", "fix this: x=1/0", nil)
	require.NoError(t, err)
	conv, err := c.GetConversation(ctx, out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, models.PlaceholderTitle, conv.Title)

	session := conversation.NewSession(out.ConversationID, c, c, c.Relay())
	require.NoError(t, session.Load(ctx))
	_, err = session.ResumeUnanswered(ctx)
	require.NoError(t, err)
	conv, err = c.GetConversation(ctx, out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, models.PlaceholderTitle, conv.Title)

	// The next turn retries once the model recovers.
	model.setTitleErr(nil)
	_, err = session.Submit(ctx, "still broken", nil)
	require.NoError(t, err)
	conv, err = c.GetConversation(ctx, out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "Division By Zero", conv.Title)
}

func TestSignInReusesAccount(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	c := client.New(srv.URL)
	_, err := c.SignUp(ctx, models.Credentials{Email: "duck@example.com", Password: "hunter22!"})
	require.NoError(t, err)
	require.NoError(t, c.SignOut(ctx))

	_, err = c.SignIn(ctx, "duck@example.com", "wrong-password")
	var apiErr *models.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	sess, err := c.SignIn(ctx, "duck@example.com", "hunter22!")
	require.NoError(t, err)
	require.Equal(t, "duck@example.com", sess.User.Email)

	current, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, sess.User.ID, current.User.ID)
}

func TestClientMissingResources(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	c := client.New(srv.URL)
	_, err := c.SignUp(ctx, models.Credentials{Email: "duck@example.com", Password: "hunter22!"})
	require.NoError(t, err)

	_, err = c.GetConversation(ctx, "missing")
	require.True(t, errors.Is(err, client.ErrNotFound))

	conv, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)
	require.Equal(t, models.PlaceholderTitle, conv.Title)

	msgs, err := c.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	title, err := c.GenerateTitle(ctx, "quack quack debug")
	require.NoError(t, err)
	require.Equal(t, service.FixtureTitle, title)

	require.NoError(t, c.UpdateConversationTitle(ctx, conv.ID, "Renamed"))
	require.NoError(t, c.DeleteConversation(ctx, conv.ID))
	_, err = c.GetConversation(ctx, conv.ID)
	require.True(t, errors.Is(err, client.ErrNotFound))
}

func TestAnonymousLocalChat(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	c := client.New(srv.URL)
	local, err := conversation.NewLocalSession(&memMirror{}, "conversation", c.Relay())
	require.NoError(t, err)

	orch := orchestrator.New(c, c, c, orchestrator.WithLocal(local))
	out, err := orch.Route(ctx, "", "fix this: x=1/0", nil)
	require.NoError(t, err)
	require.Equal(t, orchestrator.ModeLocal, out.Mode)

	text, err := local.ReplayPending(ctx)
	require.NoError(t, err)
	require.Equal(t, "You're dividing by zero.", text)
}

type memMirror struct {
	entries map[string][]models.ConversationEntry
}

func (m *memMirror) Load(key string) ([]models.ConversationEntry, error) {
	return m.entries[key], nil
}

func (m *memMirror) Save(key string, entries []models.ConversationEntry) error {
	if m.entries == nil {
		m.entries = map[string][]models.ConversationEntry{}
	}
	m.entries[key] = append([]models.ConversationEntry(nil), entries...)
	return nil
}
