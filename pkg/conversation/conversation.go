// Package conversation tracks the single in-flight exchange of a
// conversation: a submitted user turn, the assistant text accumulating from
// the relay, and the persisted result.
package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/relay"
	"github.com/rubberduck/rubberduck/pkg/utils"
)

var (
	ErrTurnInFlight    = errors.New("a response is still streaming for this conversation")
	ErrRelayBusy       = errors.New("another conversation is streaming")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNothingToReplay = errors.New("no unanswered message to replay")
)

// State of a conversation's exchange.
type State int

const (
	Idle State = iota
	AwaitingResponse
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting-response"
	default:
		return "unknown"
	}
}

// Store is the persistence a durable session needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, conversationID, sender, text string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Titler generates a title from a user message.
type Titler interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Streamer starts analyze streams. *relay.Relay satisfies it.
type Streamer interface {
	Start(ctx context.Context, target relay.Target) *relay.Stream
}

// Observer receives a copy of the entries after every change.
type Observer func(entries []models.ConversationEntry)

// Option configures a session.
type Option func(*turns)

// WithObserver registers fn to be called after every entry change.
func WithObserver(fn Observer) Option {
	return func(t *turns) { t.observer = fn }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *turns) { t.logger = l }
}

// turns is the state both session kinds share: the guard, the entries and
// the stream currently feeding the last entry.
type turns struct {
	mu       sync.Mutex
	state    State
	inFlight bool
	entries  []models.ConversationEntry
	stream   *relay.Stream

	observer Observer
	logger   *slog.Logger
}

func (t *turns) configure(opts []Option) {
	t.logger = utils.GetLogger()
	for _, opt := range opts {
		opt(t)
	}
}

// State returns the current state.
func (t *turns) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Entries returns a copy of the working entries.
func (t *turns) Entries() []models.ConversationEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Cancel closes the active stream, if any. The pending Submit returns
// relay.ErrStreamClosed.
func (t *turns) Cancel() {
	t.mu.Lock()
	s := t.stream
	t.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

func (t *turns) snapshot() []models.ConversationEntry {
	out := make([]models.ConversationEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *turns) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight {
		return false
	}
	t.inFlight = true
	t.state = AwaitingResponse
	return true
}

// release returns to Idle and marks the last entry as no longer loading.
func (t *turns) release() {
	t.mu.Lock()
	t.inFlight = false
	t.state = Idle
	t.stream = nil
	if n := len(t.entries); n > 0 {
		t.entries[n-1].Loading = false
	}
	t.mu.Unlock()
	t.notify()
}

func (t *turns) setEntries(entries []models.ConversationEntry) {
	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	t.notify()
}

func (t *turns) push(e models.ConversationEntry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	t.notify()
}

// update applies fn to the last entry.
func (t *turns) update(fn func(e *models.ConversationEntry)) {
	t.mu.Lock()
	if n := len(t.entries); n > 0 {
		fn(&t.entries[n-1])
	}
	t.mu.Unlock()
	t.notify()
}

func (t *turns) notify() {
	if t.observer == nil {
		return
	}
	t.mu.Lock()
	entries := t.snapshot()
	t.mu.Unlock()
	t.observer(entries)
}

// consume starts a stream for target and accumulates it into the last
// entry. onFragment runs after each fragment with the text so far. It
// returns the complete answer on io.EOF.
func (t *turns) consume(ctx context.Context, streamer Streamer, target relay.Target, onFragment func(text string)) (string, error) {
	stream := streamer.Start(ctx, target)
	if !sameTarget(stream.Target(), target) {
		return "", ErrRelayBusy
	}
	t.mu.Lock()
	t.stream = stream
	t.mu.Unlock()
	defer stream.Close()

	var acc strings.Builder
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return acc.String(), nil
		}
		if err != nil {
			return "", err
		}
		if frag.Content == "" {
			continue
		}
		acc.WriteString(frag.Content)
		text := acc.String()
		t.update(func(e *models.ConversationEntry) { e.AIResponse = text })
		if onFragment != nil {
			onFragment(text)
		}
	}
}

func sameTarget(a, b relay.Target) bool {
	if a.ByConversation() || b.ByConversation() {
		return a.ConversationID == b.ConversationID
	}
	if len(a.Turns) != len(b.Turns) || len(a.Files) != len(b.Files) {
		return false
	}
	for i := range a.Turns {
		if a.Turns[i] != b.Turns[i] {
			return false
		}
	}
	return true
}

// pairEntries folds a message history into entries. An assistant message
// answers the preceding unanswered user message.
func pairEntries(msgs []models.Message) []models.ConversationEntry {
	entries := []models.ConversationEntry{}
	for _, m := range msgs {
		body := m.Body()
		if body == "" {
			continue
		}
		if m.Sender == models.SenderAssistant {
			if n := len(entries); n > 0 && entries[n-1].AIResponse == "" {
				entries[n-1].AIResponse = body
				continue
			}
			entries = append(entries, models.ConversationEntry{AIResponse: body})
			continue
		}
		entries = append(entries, models.ConversationEntry{UserMessage: body})
	}
	return entries
}
