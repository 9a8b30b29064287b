package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/levenlabs/go-lflag"
)

// FileStore keeps one JSON file per key in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func configuredFile() *FileStore {
	dir := lflag.String("store-dir", ".helios", "Directory for the file state store")

	f := &FileStore{}
	lflag.Do(func() {
		f.dir = *dir
	})
	return f
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	f := &FileStore{dir: dir}
	if err := f.Init(); err != nil {
		return nil, err
	}
	return f, nil
}

// Init creates the store directory.
func (f *FileStore) Init() error {
	if f.dir == "" {
		return errors.New("store directory cannot be empty")
	}
	return os.MkdirAll(f.dir, 0o700)
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+".json")
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, key string, dest any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.read(key, dest)
	return err
}

// Set implements Store.
func (f *FileStore) Set(ctx context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(key, value)
}

// Update implements Store.
func (f *FileStore) Update(ctx context.Context, key string, dest any, fn func(found bool) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	found, err := f.read(key, dest)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := fn(found); err != nil {
		return err
	}
	return f.write(key, dest)
}

// Close implements Store.
func (f *FileStore) Close() error {
	return nil
}

func (f *FileStore) read(key string, dest any) (bool, error) {
	b, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// write encodes value to a temporary file in the same directory and renames
// it over the destination.
func (f *FileStore) write(key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	committed = true
	return nil
}
