// Package localstore keeps the anonymous conversation mirror in a BoltDB
// file. Every save replaces the stored snapshot in full.
package localstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rubberduck/rubberduck/pkg/models"
	bolt "go.etcd.io/bbolt"
)

// DefaultKey names the single anonymous conversation.
const DefaultKey = "conversation"

const bucketPrefix = "entries:"

// Store is a BoltDB-backed mirror of client working state.
type Store struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create local store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the entries saved under key in order. A missing key yields
// an empty slice. Malformed entries are skipped.
func (s *Store) Load(key string) ([]models.ConversationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []models.ConversationEntry{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key))
		if b == nil {
			return nil
		}
		// Keys are big-endian indexes, so ForEach walks them in order.
		return b.ForEach(func(_, v []byte) error {
			var e models.ConversationEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", key, err)
	}
	return entries, nil
}

// Save replaces everything stored under key with entries.
func (s *Store) Save(key string, entries []models.ConversationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(key)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		for i, e := range entries {
			enc, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(i), enc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	return nil
}

// Clear removes every stored conversation.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucketName(key string) []byte {
	return []byte(bucketPrefix + key)
}

func indexKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}
