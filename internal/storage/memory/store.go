// Package memory is an in-memory TableStore used in tests and when no
// persistent backend is configured.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"groupregistry/internal/pagination"
	"groupregistry/internal/storage"
)

type entry struct {
	value   []byte
	version storage.Version
}

type table struct {
	data map[string]entry
}

// Store keeps every table in a single mutex-guarded map. Versions come from
// one store-wide counter so a re-created key never reuses a version.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]*table
	version storage.Version
}

var _ storage.TableStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) lookup(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, storage.Errorf(storage.KindDataContainerNotFound, "table %s", name)
	}
	return t, nil
}

func (s *Store) nextVersion() storage.Version {
	s.version++
	return s.version
}

// CreateTable creates the table if missing
func (s *Store) CreateTable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[name]; !ok {
		slog.Debug("memory: creating table", "table", name)
		s.tables[name] = &table{data: make(map[string]entry)}
	}
	return nil
}

// DeleteTable drops the table
func (s *Store) DeleteTable(_ context.Context, name string, requireEmpty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return err
	}
	if requireEmpty && len(t.data) > 0 {
		return storage.Errorf(storage.KindDataNotEmpty, "table %s has %d entries", name, len(t.data))
	}
	delete(s.tables, name)
	return nil
}

// GetEntry retrieves the value and version for a key
func (s *Store) GetEntry(_ context.Context, name string, key []byte) (storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(name)
	if err != nil {
		return storage.Entry{}, err
	}
	e, ok := t.data[string(key)]
	if !ok {
		return storage.Entry{}, storage.Errorf(storage.KindDataNotFound, "key %x in table %s", key, name)
	}
	return storage.Entry{Value: append([]byte(nil), e.value...), Version: e.version}, nil
}

// AddEntryIfAbsent creates a new key with the given value
func (s *Store) AddEntryIfAbsent(_ context.Context, name string, key, value []byte) (storage.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	if _, ok := t.data[string(key)]; ok {
		return 0, storage.Errorf(storage.KindDataExists, "key %x in table %s", key, name)
	}
	v := s.nextVersion()
	t.data[string(key)] = entry{value: append([]byte(nil), value...), version: v}
	return v, nil
}

// UpdateEntry replaces the value if the stored version matches expected
func (s *Store) UpdateEntry(_ context.Context, name string, key, value []byte, expected storage.Version) (storage.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	e, ok := t.data[string(key)]
	if !ok {
		return 0, storage.Errorf(storage.KindDataNotFound, "key %x in table %s", key, name)
	}
	if e.version != expected {
		return 0, storage.Errorf(storage.KindWriteConflict, "key %x in table %s: expected version %d, found %d", key, name, expected, e.version)
	}
	v := s.nextVersion()
	t.data[string(key)] = entry{value: append([]byte(nil), value...), version: v}
	return v, nil
}

// RemoveEntry deletes a key
func (s *Store) RemoveEntry(_ context.Context, name string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return err
	}
	delete(t.data, string(key))
	return nil
}

// GetAllEntries returns every entry in key order
func (s *Store) GetAllEntries(_ context.Context, name string) ([]storage.KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	keys := t.sortedKeys()
	out := make([]storage.KeyValue, 0, len(keys))
	for _, k := range keys {
		e := t.data[string(k)]
		out = append(out, storage.KeyValue{
			Key:   k,
			Entry: storage.Entry{Value: append([]byte(nil), e.value...), Version: e.version},
		})
	}
	return out, nil
}

// GetAllKeys returns every key in key order
func (s *Store) GetAllKeys(_ context.Context, name string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return t.sortedKeys(), nil
}

// GetKeysPaginated returns a page of keys after token
func (s *Store) GetKeysPaginated(_ context.Context, name string, token pagination.ContinuationToken, limit int) ([][]byte, pagination.ContinuationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(name)
	if err != nil {
		return nil, token, err
	}
	return storage.PageKeys(t.sortedKeys(), token, limit)
}

// Close is a no-op for the in-memory store
func (s *Store) Close() error {
	return nil
}

func (t *table) sortedKeys() [][]byte {
	keys := make([][]byte, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, []byte(k))
	}
	storage.SortKeys(keys)
	return keys
}
