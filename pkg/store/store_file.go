package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists values in a single JSON file. Writes rewrite the
// whole file; it is meant for small session-config sets, not bulk data.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// fileState is the on-disk layout.
type fileState struct {
	Version int               `json:"version"`
	Values  map[string][]byte `json:"values"`
}

// fileStateVersion is the current on-disk format version.
const fileStateVersion = 1

// NewFileStore creates a store backed by the JSON file at path. The file
// is created on first Put; a missing file reads as an empty store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the value stored under key, or ErrNotFound.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}

	value, ok := state.Values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, nil
}

// Put stores value under key.
func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}

	state.Values[key] = value
	return s.save(state)
}

// Delete removes the value stored under key.
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}

	if _, ok := state.Values[key]; !ok {
		return nil
	}
	delete(state.Values, key)
	return s.save(state)
}

// Close is a no-op; every write is already flushed to disk.
func (s *FileStore) Close() error {
	return nil
}

// load reads the state file. A missing file yields an empty state.
func (s *FileStore) load() (*fileState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &fileState{Version: fileStateVersion, Values: make(map[string][]byte)}, nil
	}
	if err != nil {
		return nil, err
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt store file %s: %w", s.path, err)
	}
	if state.Values == nil {
		state.Values = make(map[string][]byte)
	}
	return &state, nil
}

// save writes the state file, creating the parent directory if needed.
func (s *FileStore) save(state *fileState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = fileStateVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0644)
}

// Compile-time interface satisfaction check.
var _ Store = (*FileStore)(nil)
