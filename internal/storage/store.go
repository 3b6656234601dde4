// internal/storage/store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoSnapshot is returned by a Store when no blob exists for the key.
var ErrNoSnapshot = errors.New("no snapshot stored for key")

// Store is the key-value blob backend the Database persists snapshots to.
// The key is the connection-string identifier chosen at construction time.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, blob []byte) error
}

// MemoryStore keeps blobs in process memory. It is the default backend and
// the one tests use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Read returns the blob stored under key, or ErrNoSnapshot.
func (m *MemoryStore) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSnapshot, key)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Write stores a copy of blob under key.
func (m *MemoryStore) Write(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(blob))
	copy(stored, blob)
	m.blobs[key] = stored
	return nil
}

// FileStore persists blobs as files in a directory, one file per key. It
// stands in for browser local storage when state should survive restarts.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

// Read returns the blob for key, or ErrNoSnapshot if the file is absent.
func (f *FileStore) Read(_ context.Context, key string) ([]byte, error) {
	blob, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNoSnapshot, key)
		}
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	return blob, nil
}

// Write stores blob for key, replacing any previous contents atomically.
func (f *FileStore) Write(_ context.Context, key string, blob []byte) error {
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}
