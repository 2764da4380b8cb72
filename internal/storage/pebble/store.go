// Package pebblestore implements storage.TableStore on a local Pebble
// database for single-node deployments.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"groupregistry/internal/pagination"
	"groupregistry/internal/storage"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed write.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble.
	FsyncModeNever
)

// Options configures the store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	Fsync   FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
	Metrics       MetricsHook
}

// MetricsHook observes storage latencies and sizes.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int) {}
func (NoopMetrics) ObserveRead(time.Duration, int)  {}

// Key layout:
//
//	'm' table                         table marker
//	'e' uint16(len(table)) table key  entry, value = uint64 version ++ payload
//	'v'                               last issued version
const (
	markerPrefix  = 'm'
	entryPrefix   = 'e'
	versionKey    = 'v'
	versionHeader = 8
)

// Store is a TableStore over Pebble. Pebble has no compare-and-set, so
// conditional writes are serialized by mu.
type Store struct {
	mu        sync.RWMutex
	db        *pebble.DB
	writeSync bool
	metrics   MetricsHook
	version   storage.Version
}

var _ storage.TableStore = (*Store)(nil)

// Open creates or opens a Pebble-backed store.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return opts.FsyncInterval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, storage.Wrap(storage.KindStoreConnection, err, "open pebble at "+opts.DataDir)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	s := &Store{
		db:        db,
		writeSync: opts.Fsync != FsyncModeNever,
		metrics:   metrics,
	}
	if err := s.loadVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadVersion() error {
	val, closer, err := s.db.Get([]byte{versionKey})
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storage.Wrap(storage.KindUnknown, err, "read version counter")
	}
	defer closer.Close()
	s.version = storage.Version(binary.BigEndian.Uint64(val))
	return nil
}

func markerKey(table string) []byte {
	return append([]byte{markerPrefix}, table...)
}

func tablePrefix(table string) []byte {
	b := make([]byte, 0, 3+len(table))
	b = append(b, entryPrefix)
	b = binary.BigEndian.AppendUint16(b, uint16(len(table)))
	return append(b, table...)
}

func entryKey(table string, key []byte) []byte {
	return append(tablePrefix(table), key...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	start := time.Now()
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.Wrap(storage.KindUnknown, err, "pebble get")
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	s.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, true, nil
}

func (s *Store) requireTable(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, ok, err := s.get(markerKey(table))
	if err != nil {
		return err
	}
	if !ok {
		return storage.Errorf(storage.KindDataContainerNotFound, "table %s", table)
	}
	return nil
}

// put writes an entry and advances the version counter in one batch.
func (s *Store) put(key, value []byte) (storage.Version, error) {
	next := s.version + 1
	stored := binary.BigEndian.AppendUint64(make([]byte, 0, versionHeader+len(value)), uint64(next))
	stored = append(stored, value...)

	start := time.Now()
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, stored, nil); err != nil {
		return 0, storage.Wrap(storage.KindUnknown, err, "pebble set")
	}
	if err := b.Set([]byte{versionKey}, binary.BigEndian.AppendUint64(nil, uint64(next)), nil); err != nil {
		return 0, storage.Wrap(storage.KindUnknown, err, "pebble set version")
	}
	if err := b.Commit(s.writeOpts()); err != nil {
		return 0, storage.Wrap(storage.KindUnknown, err, "pebble commit")
	}
	s.metrics.ObserveWrite(time.Since(start), len(stored))
	s.version = next
	return next, nil
}

func decodeEntry(raw []byte) (storage.Entry, error) {
	if len(raw) < versionHeader {
		return storage.Entry{}, storage.Errorf(storage.KindUnknown, "corrupt entry of %d bytes", len(raw))
	}
	return storage.Entry{
		Version: storage.Version(binary.BigEndian.Uint64(raw)),
		Value:   raw[versionHeader:],
	}, nil
}

// CreateTable writes the table marker if missing
func (s *Store) CreateTable(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok, err := s.get(markerKey(table))
	if err != nil || ok {
		return err
	}
	if err := s.db.Set(markerKey(table), nil, s.writeOpts()); err != nil {
		return storage.Wrap(storage.KindUnknown, err, "create table "+table)
	}
	return nil
}

// DeleteTable removes every entry and the marker in one batch
func (s *Store) DeleteTable(ctx context.Context, table string, requireEmpty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireTable(ctx, table); err != nil {
		return err
	}
	prefix := tablePrefix(table)
	if requireEmpty {
		keys, err := s.scan(prefix, nil, 1, false)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			return storage.Errorf(storage.KindDataNotEmpty, "table %s is not empty", table)
		}
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return storage.Wrap(storage.KindUnknown, err, "drop entries of "+table)
	}
	if err := b.Delete(markerKey(table), nil); err != nil {
		return storage.Wrap(storage.KindUnknown, err, "drop table "+table)
	}
	if err := b.Commit(s.writeOpts()); err != nil {
		return storage.Wrap(storage.KindUnknown, err, "drop table "+table)
	}
	return nil
}

// GetEntry reads key
func (s *Store) GetEntry(ctx context.Context, table string, key []byte) (storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireTable(ctx, table); err != nil {
		return storage.Entry{}, err
	}
	raw, ok, err := s.get(entryKey(table, key))
	if err != nil {
		return storage.Entry{}, err
	}
	if !ok {
		return storage.Entry{}, storage.Errorf(storage.KindDataNotFound, "key %x in table %s", key, table)
	}
	return decodeEntry(raw)
}

// AddEntryIfAbsent creates key
func (s *Store) AddEntryIfAbsent(ctx context.Context, table string, key, value []byte) (storage.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireTable(ctx, table); err != nil {
		return 0, err
	}
	k := entryKey(table, key)
	_, ok, err := s.get(k)
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, storage.Errorf(storage.KindDataExists, "key %x in table %s", key, table)
	}
	return s.put(k, value)
}

// UpdateEntry writes key if its version matches expected
func (s *Store) UpdateEntry(ctx context.Context, table string, key, value []byte, expected storage.Version) (storage.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireTable(ctx, table); err != nil {
		return 0, err
	}
	k := entryKey(table, key)
	raw, ok, err := s.get(k)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, storage.Errorf(storage.KindDataNotFound, "key %x in table %s", key, table)
	}
	cur, err := decodeEntry(raw)
	if err != nil {
		return 0, err
	}
	if cur.Version != expected {
		return 0, storage.Errorf(storage.KindWriteConflict, "key %x in table %s: expected version %d, found %d", key, table, expected, cur.Version)
	}
	return s.put(k, value)
}

// RemoveEntry deletes key
func (s *Store) RemoveEntry(ctx context.Context, table string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireTable(ctx, table); err != nil {
		return err
	}
	if err := s.db.Delete(entryKey(table, key), s.writeOpts()); err != nil {
		return storage.Wrap(storage.KindUnknown, err, "remove entry")
	}
	return nil
}

// GetAllEntries returns every entry in key order
func (s *Store) GetAllEntries(ctx context.Context, table string) ([]storage.KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}
	return s.scanEntries(tablePrefix(table))
}

// GetAllKeys returns every key in key order
func (s *Store) GetAllKeys(ctx context.Context, table string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}
	return s.scan(tablePrefix(table), nil, 0, false)
}

// GetKeysPaginated seeks past token and returns up to limit keys
func (s *Store) GetKeysPaginated(ctx context.Context, table string, token pagination.ContinuationToken, limit int) ([][]byte, pagination.ContinuationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireTable(ctx, table); err != nil {
		return nil, token, err
	}
	after, err := storage.TokenKey(token)
	if err != nil {
		return nil, token, err
	}
	keys, err := s.scan(tablePrefix(table), after, limit, after != nil)
	if err != nil {
		return nil, token, err
	}
	if len(keys) == 0 {
		return nil, token, nil
	}
	return keys, storage.KeyToken(keys[len(keys)-1]), nil
}

// scan lists keys under prefix starting at from (exclusive when skipFrom).
func (s *Store) scan(prefix, from []byte, limit int, skipFrom bool) ([][]byte, error) {
	lower := prefix
	if from != nil {
		lower = append(append([]byte(nil), prefix...), from...)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, storage.Wrap(storage.KindUnknown, err, "pebble iterator")
	}
	defer iter.Close()

	var keys [][]byte
	for valid := iter.First(); valid; valid = iter.Next() {
		key := append([]byte(nil), iter.Key()[len(prefix):]...)
		if skipFrom && string(key) == string(from) {
			continue
		}
		keys = append(keys, key)
		if limit > 0 && len(keys) == limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, storage.Wrap(storage.KindUnknown, err, "pebble iterate")
	}
	return keys, nil
}

func (s *Store) scanEntries(prefix []byte) ([]storage.KeyValue, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, storage.Wrap(storage.KindUnknown, err, "pebble iterator")
	}
	defer iter.Close()

	var out []storage.KeyValue
	for valid := iter.First(); valid; valid = iter.Next() {
		raw := append([]byte(nil), iter.Value()...)
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.KeyValue{
			Key:   append([]byte(nil), iter.Key()[len(prefix):]...),
			Entry: e,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, storage.Wrap(storage.KindUnknown, err, "pebble iterate")
	}
	return out, nil
}

// Close closes the Pebble database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
