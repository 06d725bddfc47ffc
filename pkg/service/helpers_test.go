package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rubberduck/rubberduck/pkg/db"
	"github.com/rubberduck/rubberduck/pkg/event"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return gdb
}

func newTestAuth(gdb *gorm.DB, emitter *event.Emitter) *AuthService {
	s := NewAuthService(gdb, emitter)
	s.cost = bcrypt.MinCost
	return s
}

// fakeModel records its inputs and replays scripted output.
type fakeModel struct {
	mu        sync.Mutex
	generate  string
	genErr    error
	chunks    []string
	streamErr error
	calls     int
	lastInput []*schema.Message
}

func (m *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastInput = input
	if m.genErr != nil {
		return nil, m.genErr
	}
	return schema.AssistantMessage(m.generate, nil), nil
}

func (m *fakeModel) Stream(_ context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastInput = input
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	out := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		out = append(out, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(out), nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var errUpstream = errors.New("upstream down")
