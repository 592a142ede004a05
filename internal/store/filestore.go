package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// FileStore is the file-backed Port implementation: one file per key under
// a data directory, written via temp-file-plus-rename so a crash mid-write
// never leaves a torn blob, per spec.md §2/§6 ("atomic writes via temp-file
// + rename; never partial writes"). Each key is additionally guarded by a
// per-key mutex so concurrent writers to distinct keys never block each
// other, while a single key's writes still serialize.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates (if needed) the data directory and returns a store
// rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (f *FileStore) lockFor(key string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	return l
}

func (f *FileStore) pathFor(key string) string {
	// Keys may contain ':' (e.g. "session:current"); that is not a valid
	// path separator on any target platform, so encode it directly rather
	// than nesting directories the caller didn't ask for.
	safe := strings.ReplaceAll(key, ":", "_")
	return filepath.Join(f.dir, safe+".json")
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	l := f.lockFor(key)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (f *FileStore) Put(_ context.Context, key string, value []byte) error {
	l := f.lockFor(key)
	l.Lock()
	defer l.Unlock()

	return renameio.WriteFile(f.pathFor(key), value, 0o644)
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	l := f.lockFor(key)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(f.pathFor(key))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		key := strings.ReplaceAll(name, "_", ":")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
