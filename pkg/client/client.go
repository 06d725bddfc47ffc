// Package client talks to the rubberduck HTTP API. It provides the
// persistence, title and identity collaborators the terminal chat needs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/relay"
	"github.com/rubberduck/rubberduck/pkg/utils"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for JSON calls. Streams use a
// client without a timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// OnSignIn registers fn to run after every successful sign-in or sign-up.
func OnSignIn(fn func() error) Option {
	return func(cl *Client) { cl.onSignIn = fn }
}

type Client struct {
	baseURL  string
	http     *http.Client
	relay    *relay.Relay
	onSignIn func() error
	logger   *slog.Logger

	mu    sync.RWMutex
	token string
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.relay = relay.New(c.baseURL, relay.WithToken(c.Token))
	return c
}

// Relay returns the stream relay bound to this client's server and token.
func (c *Client) Relay() *relay.Relay {
	return c.relay
}

// Token returns the bearer token, or "" when signed out.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken installs a previously issued token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ========== Identity ==========

func (c *Client) SignUp(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	var sess models.Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/signup", nil, creds, &sess); err != nil {
		return nil, errors.Wrap(err, "sign up")
	}
	return c.signedIn(&sess)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*models.Session, error) {
	var sess models.Session
	body := models.Credentials{Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/signin", nil, body, &sess); err != nil {
		return nil, errors.Wrap(err, "sign in")
	}
	return c.signedIn(&sess)
}

func (c *Client) signedIn(sess *models.Session) (*models.Session, error) {
	c.SetToken(sess.Token)
	if c.onSignIn != nil {
		if err := c.onSignIn(); err != nil {
			c.logger.Warn("sign-in hook failed", "error", err)
		}
	}
	return sess, nil
}

// SignOut revokes the token. It is a no-op when signed out.
func (c *Client) SignOut(ctx context.Context) error {
	if c.Token() == "" {
		return nil
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/signout", nil, nil, nil)
	c.SetToken("")
	return errors.Wrap(err, "sign out")
}

// CurrentSession returns the signed-in session, or nil.
func (c *Client) CurrentSession(ctx context.Context) (*models.Session, error) {
	if c.Token() == "" {
		return nil, nil
	}
	var resp models.SessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "current session")
	}
	return resp.Session, nil
}

// ========== Conversations ==========

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp models.ConversationListResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return resp.Conversations, nil
}

// LatestConversation returns the most recently updated conversation, or nil.
func (c *Client) LatestConversation(ctx context.Context) (*models.Conversation, error) {
	convs, err := c.ListConversations(ctx)
	if err != nil || len(convs) == 0 {
		return nil, err
	}
	return &convs[0], nil
}

func (c *Client) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", nil, models.CreateConversationRequest{Title: title}, &conv); err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}
	return &conv, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, nil, &conv); err != nil {
		return nil, errors.Wrapf(err, "get conversation %s", id)
	}
	return &conv, nil
}

func (c *Client) UpdateConversationTitle(ctx context.Context, id, title string) error {
	err := c.do(ctx, http.MethodPut, "/api/conversations/"+url.PathEscape(id)+"/title", nil, models.UpdateTitleRequest{Title: title}, nil)
	return errors.Wrapf(err, "update title of %s", id)
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil, nil)
	return errors.Wrapf(err, "delete conversation %s", id)
}

// GenerateTitle asks the server for a title. The server answers with a
// fallback title when the model yields nothing and with an error status
// when the model fails.
func (c *Client) GenerateTitle(ctx context.Context, message string) (string, error) {
	var resp models.GenerateTitleResponse
	if err := c.do(ctx, http.MethodPost, "/api/conversations/title", nil, models.GenerateTitleRequest{Message: message}, &resp); err != nil {
		return "", errors.Wrap(err, "generate title")
	}
	return resp.Title, nil
}

// ========== Messages ==========

func (c *Client) AppendMessage(ctx context.Context, conversationID, sender, text string) (*models.Message, error) {
	var resp models.CreateMessageResponse
	body := models.CreateMessageRequest{ConversationID: conversationID, Sender: sender, MessageText: text}
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, body, &resp); err != nil {
		return nil, errors.Wrapf(err, "append message to %s", conversationID)
	}
	return &resp.Message, nil
}

// ListMessages returns the conversation's messages in order. A conversation
// without messages yields an empty slice.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	header := http.Header{"Conversation-Id": []string{conversationID}}
	err := c.do(ctx, http.MethodGet, "/api/messages", header, nil, &msgs)
	if errors.Is(err, ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list messages of %s", conversationID)
	}
	return msgs, nil
}

// do sends one JSON request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &models.APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if jerr := json.Unmarshal(raw, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusNotFound {
			return errors.Wrap(ErrNotFound, apiErr.Error())
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
