package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/relay"
)

// filesOnlyPrompt stands in for the question when only files were sent.
const filesOnlyPrompt = "Please review the attached files."

// Mirror is the client-durable store behind an anonymous conversation.
// *localstore.Store satisfies it.
type Mirror interface {
	Load(key string) ([]models.ConversationEntry, error)
	Save(key string, entries []models.ConversationEntry) error
}

// LocalSession is an anonymous conversation. Its entries are its only
// representation and are written to the mirror in full after every change.
type LocalSession struct {
	turns

	mirror   Mirror
	key      string
	streamer Streamer
}

// NewLocalSession loads the entries saved under key.
func NewLocalSession(mirror Mirror, key string, streamer Streamer, opts ...Option) (*LocalSession, error) {
	s := &LocalSession{mirror: mirror, key: key, streamer: streamer}
	s.configure(opts)

	entries, err := mirror.Load(key)
	if err != nil {
		return nil, fmt.Errorf("load local conversation: %w", err)
	}
	// A turn that was streaming when the process stopped is left unanswered.
	for i := range entries {
		if entries[i].Loading {
			entries[i].Loading = false
			entries[i].AIResponse = ""
		}
	}
	s.entries = entries
	return s, nil
}

// Submit appends a user turn and streams its answer with the whole history
// as payload.
func (s *LocalSession) Submit(ctx context.Context, text string, files []models.UploadedFile) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return "", ErrEmptyMessage
	}
	if !s.claim() {
		return "", ErrTurnInFlight
	}
	s.push(models.ConversationEntry{UserMessage: text, Loading: true, Files: files})
	s.save()
	return s.relayTurn(ctx)
}

// HasUnansweredDraft reports whether the last entry is a question that is
// neither answered nor streaming.
func (s *LocalSession) HasUnansweredDraft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	return n > 0 && s.entries[n-1].AIResponse == "" && !s.entries[n-1].Loading
}

// AddPending records a question without streaming. ReplayPending answers it.
func (s *LocalSession) AddPending(text string, files []models.UploadedFile) error {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrTurnInFlight
	}
	s.mu.Unlock()
	s.push(models.ConversationEntry{UserMessage: text, Files: files})
	return s.mirror.Save(s.key, s.Entries())
}

// ReviseDraft replaces the text of the unanswered draft and adds files to
// it. A file named like one already attached replaces it. Empty text keeps
// the draft's text.
func (s *LocalSession) ReviseDraft(text string, files []models.UploadedFile) error {
	if !s.HasUnansweredDraft() {
		return ErrNothingToReplay
	}
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return nil
	}
	s.update(func(e *models.ConversationEntry) {
		if text != "" {
			e.UserMessage = text
		}
		e.Files = mergeFiles(e.Files, files)
	})
	return s.mirror.Save(s.key, s.Entries())
}

func mergeFiles(have, add []models.UploadedFile) []models.UploadedFile {
	if len(add) == 0 {
		return have
	}
	out := append([]models.UploadedFile(nil), have...)
	for _, f := range add {
		replaced := false
		for i := range out {
			if out[i].Name == f.Name {
				out[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}

// ReplayPending streams an answer for the unanswered draft.
func (s *LocalSession) ReplayPending(ctx context.Context) (string, error) {
	if !s.HasUnansweredDraft() {
		return "", ErrNothingToReplay
	}
	if !s.claim() {
		return "", ErrTurnInFlight
	}
	s.update(func(e *models.ConversationEntry) { e.Loading = true })
	s.save()
	return s.relayTurn(ctx)
}

// Reset forgets every entry.
func (s *LocalSession) Reset() error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrTurnInFlight
	}
	s.mu.Unlock()
	s.setEntries([]models.ConversationEntry{})
	return s.mirror.Save(s.key, nil)
}

func (s *LocalSession) relayTurn(ctx context.Context) (string, error) {
	target := s.payload()
	answer, err := s.consume(ctx, s.streamer, target, func(string) { s.save() })
	if err != nil {
		s.update(func(e *models.ConversationEntry) { e.AIResponse = "" })
		s.release()
		s.save()
		s.logger.Warn("local turn abandoned", "op", "stream", "error", err)
		return "", err
	}
	s.release()
	s.save()
	return answer, nil
}

// payload builds the turn history for the relay. Files from every entry are
// attached, the latest upload of a name winning.
func (s *LocalSession) payload() relay.Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target relay.Target
	seen := map[string]int{}
	for _, e := range s.entries {
		switch {
		case e.UserMessage != "":
			target.Turns = append(target.Turns, models.Turn{Role: models.RoleUser, Content: e.UserMessage})
		case len(e.Files) > 0:
			target.Turns = append(target.Turns, models.Turn{Role: models.RoleUser, Content: filesOnlyPrompt})
		}
		if e.AIResponse != "" {
			target.Turns = append(target.Turns, models.Turn{Role: models.RoleAssistant, Content: e.AIResponse})
		}
		for _, f := range e.Files {
			if i, ok := seen[f.Name]; ok {
				target.Files[i] = f
				continue
			}
			seen[f.Name] = len(target.Files)
			target.Files = append(target.Files, f)
		}
	}
	return target
}

func (s *LocalSession) save() {
	if err := s.mirror.Save(s.key, s.Entries()); err != nil {
		s.logger.Warn("failed to write local mirror", "op", "save", "error", err)
	}
}
