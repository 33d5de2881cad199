package store

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const blobExt = ".blob"

// FileBackend stores one file per key under dir. File names are the
// URL-safe base64 of the key, so room and session ids need no escaping.
type FileBackend struct {
	dir string
	mu  sync.RWMutex
}

// NewFileBackend returns a FileBackend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file backend: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+blobExt)
}

func (b *FileBackend) Get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return readFile(b.path(key))
}

// Put writes each entry with its own atomic rename. A crash between entries
// leaves the earlier ones written.
func (b *FileBackend) Put(entries ...Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if err := writeFile(b.path(e.Key), e.Value, 0o600); err != nil {
			return fmt.Errorf("file backend: write %q: %w", e.Key, err)
		}
	}
	return nil
}

func (b *FileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *FileBackend) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dirents, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, de := range dirents {
		name, ok := strings.CutSuffix(de.Name(), blobExt)
		if !ok || de.IsDir() {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(name)
		if err != nil {
			continue
		}
		if key := string(raw); strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (b *FileBackend) Close() error { return nil }

var _ Backend = (*FileBackend)(nil)
