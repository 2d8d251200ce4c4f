package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one JSON file per snapshot name inside a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex // serializes writers of the same directory
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("persist: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("persist: invalid snapshot name %q", name)
	}
	return filepath.Join(f.dir, name+".json"), nil
}

// Load implements Snapshotter.
func (f *FileStore) Load(_ context.Context, name string, v any) (bool, error) {
	p, err := f.path(name)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // name validated above
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("persist: read %s: %w", name, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("persist: decode %s: %w", name, err)
	}
	return true, nil
}

// Save implements Snapshotter. The write goes to a temp file that is renamed
// over the target, so readers never see a partial snapshot.
func (f *FileStore) Save(_ context.Context, name string, v any) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode %s: %w", name, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("persist: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist: replace %s: %w", name, err)
	}
	return nil
}

// Close implements Snapshotter.
func (f *FileStore) Close() error { return nil }
