package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File keeps entries in a JSON object on disk. Every write rewrites the file
// through a temporary file and rename.
type File struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

// OpenFile loads path, creating an empty store when it does not exist.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f.entries); err != nil {
		return nil, fmt.Errorf("failed to parse store file %s: %w", path, err)
	}
	return f, nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

func (f *File) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.entries[key]
	f.entries[key] = string(value)
	if err := f.flush(); err != nil {
		if had {
			f.entries[key] = prev
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.entries[key]
	if !had {
		return nil
	}
	delete(f.entries, key)
	if err := f.flush(); err != nil {
		f.entries[key] = prev
		return err
	}
	return nil
}

func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return matchingKeys(f.entries, prefix), nil
}

func (f *File) Close() error { return nil }

// flush must be called with mu held.
func (f *File) flush() error {
	data, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}
