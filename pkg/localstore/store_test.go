package localstore

import (
	"path/filepath"
	"testing"

	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "local.bolt")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSaveReplacesSnapshot(t *testing.T) {
	s, _ := openTemp(t)

	got, err := s.Load(DefaultKey)
	require.NoError(t, err)
	require.Empty(t, got)

	long := make([]models.ConversationEntry, 12)
	for i := range long {
		long[i] = models.ConversationEntry{UserMessage: string(rune('a' + i)), AIResponse: "ok"}
	}
	require.NoError(t, s.Save(DefaultKey, long))

	short := []models.ConversationEntry{
		{UserMessage: "why is this nil", Loading: true, Files: []models.UploadedFile{{Name: "a.go", Content: "var p *T"}}},
	}
	require.NoError(t, s.Save(DefaultKey, short))

	got, err = s.Load(DefaultKey)
	require.NoError(t, err)
	require.Equal(t, short, got)
}

func TestLoadPreservesOrderAcrossReopen(t *testing.T) {
	s, path := openTemp(t)

	entries := make([]models.ConversationEntry, 300)
	for i := range entries {
		entries[i] = models.ConversationEntry{UserMessage: filepath.Join("q", string(rune('0'+i%10))), AIResponse: string(rune('A' + i%26))}
	}
	require.NoError(t, s.Save(DefaultKey, entries))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(DefaultKey)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestClear(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.Save(DefaultKey, []models.ConversationEntry{{UserMessage: "hi"}}))
	require.NoError(t, s.Save("other", []models.ConversationEntry{{UserMessage: "yo"}}))

	require.NoError(t, s.Clear())
	for _, key := range []string{DefaultKey, "other"} {
		got, err := s.Load(key)
		require.NoError(t, err)
		require.Empty(t, got)
	}
}
