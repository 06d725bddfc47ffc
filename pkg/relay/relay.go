// Package relay opens the analyze event stream and exposes it as a lazy,
// cancellable sequence of fragments. A Relay holds at most one active stream.
package relay

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

	"github.com/pkg/errors"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/sse"
	"github.com/rubberduck/rubberduck/pkg/utils"
)

var (
	// ErrStreamClosed is returned by Recv after the stream reached a terminal result or was closed.
	ErrStreamClosed = errors.New("relay: stream closed")
	// ErrIncompleteStream is returned when the connection ends before the end marker.
	ErrIncompleteStream = errors.New("relay: stream ended without end marker")
)

const analyzePath = "/api/analyzeCode"

// Target addresses a stream either by conversation identity or by an
// explicit turn history.
type Target struct {
	ConversationID string
	Turns          []models.Turn
	Files          []models.UploadedFile
}

// ByConversation reports whether the target uses the identity-addressed form.
func (t Target) ByConversation() bool {
	return t.ConversationID != ""
}

// Option configures a Relay.
type Option func(*Relay)

// WithHTTPClient replaces the default http client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.client = c }
}

// WithToken supplies the bearer token for each new stream.
func WithToken(token func() string) Option {
	return func(r *Relay) { r.token = token }
}

// Relay opens analyze streams against one server.
type Relay struct {
	baseURL string
	client  *http.Client
	token   func() string
	logger  *slog.Logger

	mu     sync.Mutex
	active *Stream
}

// New creates a relay for the server at baseURL.
func New(baseURL string, opts ...Option) *Relay {
	r := &Relay{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start opens a stream for target. If a stream is already active it is
// returned unchanged and no connection is opened; callers compare Target()
// to detect that case.
func (r *Relay) Start(ctx context.Context, target Target) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		r.logger.Debug("relay busy, returning active stream",
			"active_conversation", r.active.target.ConversationID,
			"requested_conversation", target.ConversationID)
		return r.active
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		relay:  r,
		target: target,
		ctx:    sctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		reasm:  sse.NewReassembler(),
	}
	r.active = s
	go s.open()
	return s
}

// Active returns the active stream, or nil.
func (r *Relay) Active() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Relay) release(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == s {
		r.active = nil
	}
}

func (r *Relay) newRequest(ctx context.Context, target Target) (*http.Request, error) {
	var req *http.Request
	var err error
	if target.ByConversation() {
		u := r.baseURL + analyzePath + "?conversationId=" + url.QueryEscape(target.ConversationID)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	} else {
		body, merr := json.Marshal(models.AnalyzeRequest{Messages: target.Turns, Files: target.Files})
		if merr != nil {
			return nil, errors.Wrap(merr, "relay: encode request")
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+analyzePath, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "relay: build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	if r.token != nil {
		if tok := r.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

// Stream is one analyze stream. Recv is meant for a single consumer
// goroutine; Close may be called from anywhere.
type Stream struct {
	relay  *Relay
	target Target
	ctx    context.Context
	cancel context.CancelFunc

	ready   chan struct{}
	openErr error

	bodyMu sync.Mutex
	body   io.ReadCloser
	closed bool

	recvMu     sync.Mutex
	reasm      *sse.Reassembler
	queue      []models.Fragment
	done       bool
	pendingErr error
	terminal   bool

	closeOnce sync.Once
}

// Target returns the target the stream was started for.
func (s *Stream) Target() Target {
	return s.target
}

func (s *Stream) open() {
	defer close(s.ready)

	req, err := s.relay.newRequest(s.ctx, s.target)
	if err != nil {
		s.openErr = err
		return
	}
	resp, err := s.relay.client.Do(req)
	if err != nil {
		if s.isClosed() {
			s.openErr = ErrStreamClosed
			return
		}
		s.openErr = errors.Wrap(err, "relay: open stream")
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.openErr = readAPIError(resp)
		resp.Body.Close()
		return
	}

	s.bodyMu.Lock()
	defer s.bodyMu.Unlock()
	if s.closed {
		resp.Body.Close()
		s.openErr = ErrStreamClosed
		return
	}
	s.body = resp.Body
}

// Recv returns the next fragment. It returns io.EOF once when the end
// marker arrives, a transport error once on failure, and ErrStreamClosed
// on every call after either.
func (s *Stream) Recv() (models.Fragment, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if s.terminal || s.isClosed() {
		s.terminal = true
		return models.Fragment{}, ErrStreamClosed
	}

	<-s.ready
	if s.openErr != nil {
		return s.finish(s.openErr)
	}

	buf := make([]byte, 4096)
	for {
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			return f, nil
		}
		if s.done {
			return s.finish(io.EOF)
		}
		if s.pendingErr != nil {
			return s.finish(s.pendingErr)
		}

		n, err := s.body.Read(buf)
		if n > 0 {
			s.absorb(s.reasm.Feed(string(buf[:n])))
		}
		if err == nil || s.done || s.pendingErr != nil {
			continue
		}
		if s.isClosed() {
			s.pendingErr = ErrStreamClosed
			continue
		}
		if errors.Is(err, io.EOF) {
			s.absorb(s.reasm.Flush())
			if !s.done && s.pendingErr == nil {
				s.pendingErr = ErrIncompleteStream
			}
			continue
		}
		s.pendingErr = errors.Wrap(err, "relay: read stream")
	}
}

func (s *Stream) absorb(frags []models.Fragment, done bool, err error) {
	s.queue = append(s.queue, frags...)
	if done {
		s.done = true
	}
	if err != nil {
		s.pendingErr = err
	}
}

func (s *Stream) finish(err error) (models.Fragment, error) {
	s.terminal = true
	s.queue = nil
	s.teardown()
	if err != io.EOF && err != ErrStreamClosed {
		s.relay.logger.Warn("relay stream failed",
			"conversation_id", s.target.ConversationID, "op", "relay.recv", "error", err)
	}
	return models.Fragment{}, err
}

// Close tears the connection down. It is idempotent and does not wait for
// a blocked Recv.
func (s *Stream) Close() error {
	s.teardown()
	return nil
}

func (s *Stream) teardown() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.bodyMu.Lock()
		s.closed = true
		if s.body != nil {
			s.body.Close()
		}
		s.bodyMu.Unlock()
		s.relay.release(s)
	})
}

func (s *Stream) isClosed() bool {
	s.bodyMu.Lock()
	defer s.bodyMu.Unlock()
	return s.closed
}

func readAPIError(resp *http.Response) error {
	apiErr := &models.APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
