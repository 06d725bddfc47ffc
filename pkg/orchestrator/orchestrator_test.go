package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/rubberduck/rubberduck/pkg/conversation"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct{ session *models.Session }

func (f fakeIdentity) CurrentSession(context.Context) (*models.Session, error) { return f.session, nil }

// fakeStore records every call so tests can check ordering.
type fakeStore struct {
	convs    []*models.Conversation
	messages map[string][]models.Message
	calls    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: map[string][]models.Message{}}
}

func (f *fakeStore) LatestConversation(context.Context) (*models.Conversation, error) {
	f.calls = append(f.calls, "latest")
	if len(f.convs) == 0 {
		return nil, nil
	}
	return f.convs[len(f.convs)-1], nil
}

func (f *fakeStore) CreateConversation(_ context.Context, title string) (*models.Conversation, error) {
	f.calls = append(f.calls, "create")
	c := &models.Conversation{ID: "conv-" + strconv.Itoa(len(f.convs)+1), Title: title}
	f.convs = append(f.convs, c)
	return c, nil
}

func (f *fakeStore) UpdateConversationTitle(_ context.Context, id, title string) error {
	f.calls = append(f.calls, "title")
	for _, c := range f.convs {
		if c.ID == id {
			c.Title = title
		}
	}
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, id, sender, text string) (*models.Message, error) {
	f.calls = append(f.calls, "append:"+sender)
	m := models.Message{ConversationID: id, Sender: sender, Text: &text}
	f.messages[id] = append(f.messages[id], m)
	return &m, nil
}

func (f *fakeStore) ListMessages(_ context.Context, id string) ([]models.Message, error) {
	f.calls = append(f.calls, "list")
	return f.messages[id], nil
}

type fakeTitler struct {
	title string
	err   error
}

func (f fakeTitler) GenerateTitle(context.Context, string) (string, error) { return f.title, f.err }

type fakeQuota struct{ err error }

func (f fakeQuota) Acquire(context.Context) error { return f.err }

type fakeLocal struct {
	entries []models.ConversationEntry
}

func (f *fakeLocal) HasUnansweredDraft() bool {
	n := len(f.entries)
	return n > 0 && f.entries[n-1].AIResponse == "" && !f.entries[n-1].Loading
}

func (f *fakeLocal) ReviseDraft(text string, files []models.UploadedFile) error {
	last := &f.entries[len(f.entries)-1]
	last.UserMessage = text
	last.Files = append(last.Files, files...)
	return nil
}

func (f *fakeLocal) AddPending(text string, files []models.UploadedFile) error {
	f.entries = append(f.entries, models.ConversationEntry{UserMessage: text, Files: files})
	return nil
}

var signedIn = fakeIdentity{session: &models.Session{Token: "t", User: models.User{ID: "u1"}}}

func TestNewChatDurableOrdering(t *testing.T) {
	store := newFakeStore()
	o := New(signedIn, store, fakeTitler{title: "Division Bug"})

	out, err := o.NewChat(context.Background(), "fix this: x=1/0", nil)
	require.NoError(t, err)
	require.Equal(t, Outcome{ConversationID: "conv-1", Mode: ModeDurable, PendingReplay: true}, out)
	require.Equal(t, []string{"latest", "create", "title", "append:user"}, store.calls)
	require.Equal(t, "Division Bug", store.convs[0].Title)
	require.Equal(t, "fix this: x=1/0", store.messages["conv-1"][0].Body())
}

func TestNewChatReusesEmptyDraft(t *testing.T) {
	store := newFakeStore()
	store.convs = []*models.Conversation{{ID: "draft", Title: models.PlaceholderTitle}}
	o := New(signedIn, store, fakeTitler{err: errors.New("no model")}, WithQuota(fakeQuota{err: errors.New("must not be checked")}))

	out, err := o.NewChat(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "draft", out.ConversationID)
	require.True(t, out.Reused)
	// Title failure keeps the placeholder.
	require.Equal(t, models.PlaceholderTitle, store.convs[0].Title)
	require.NotContains(t, store.calls, "create")
}

func TestNewChatDoesNotReuseDraftWithMessages(t *testing.T) {
	store := newFakeStore()
	store.convs = []*models.Conversation{{ID: "draft", Title: models.PlaceholderTitle}}
	text := "earlier"
	store.messages["draft"] = []models.Message{{Sender: models.SenderUser, Text: &text}}
	o := New(signedIn, store, nil)

	out, err := o.NewChat(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "conv-2", out.ConversationID)
	require.False(t, out.Reused)
}

func TestNewChatQuotaExceeded(t *testing.T) {
	quotaErr := errors.New("monthly session limit reached")
	store := newFakeStore()
	o := New(signedIn, store, nil, WithQuota(fakeQuota{err: quotaErr}))

	_, err := o.NewChat(context.Background(), "hello", nil)
	require.ErrorIs(t, err, quotaErr)
	require.Empty(t, store.convs)
}

func TestNewChatLocal(t *testing.T) {
	local := &fakeLocal{}
	o := New(fakeIdentity{}, newFakeStore(), nil, WithLocal(local))

	out, err := o.NewChat(context.Background(), "anon question", nil)
	require.NoError(t, err)
	require.Equal(t, Outcome{Mode: ModeLocal, PendingReplay: true}, out)

	files := []models.UploadedFile{{Name: "main.go", Content: "x := 1/0"}}
	out, err = o.NewChat(context.Background(), "better question", files)
	require.NoError(t, err)
	require.Equal(t, Outcome{Mode: ModeLocal, Reused: true, PendingReplay: true}, out)
	require.Equal(t, []models.ConversationEntry{{UserMessage: "better question", Files: files}}, local.entries)

	_, err = New(fakeIdentity{}, newFakeStore(), nil).NewChat(context.Background(), "x", nil)
	require.ErrorIs(t, err, ErrNoLocalStore)
}

func TestRouteBoundConversation(t *testing.T) {
	store := newFakeStore()
	o := New(signedIn, store, nil)

	out, err := o.Route(context.Background(), "bound", "follow up", nil)
	require.NoError(t, err)
	require.Equal(t, Outcome{ConversationID: "bound", Mode: ModeDurable}, out)
	require.Empty(t, store.calls)

	_, err = o.Route(context.Background(), "", "  ", nil)
	require.ErrorIs(t, err, conversation.ErrEmptyMessage)
}
