// Package natskv implements storage.TableStore on a single NATS JetStream
// key-value bucket. Entry revisions serve as versions.
package natskv

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"groupregistry/internal/pagination"
	"groupregistry/internal/storage"

	"github.com/nats-io/nats.go"
)

// Key layout inside the bucket:
//
//	t.<hex(table)>               table marker
//	t.<hex(table)>.k._<hex(key)> entry
//
// Hex keeps arbitrary bytes inside the KV key alphabet; the underscore keeps
// the empty key a valid token.
const (
	tablePrefix = "t."
	entryInfix  = ".k._"
)

// Store is a TableStore over one KeyValue bucket.
type Store struct {
	kv     nats.KeyValue
	logger *slog.Logger
}

var _ storage.TableStore = (*Store)(nil)

// New wraps an existing bucket.
func New(kv nats.KeyValue) *Store {
	return &Store{kv: kv, logger: slog.Default().With("bucket", kv.Bucket())}
}

// Open binds to bucket, creating it with file storage when missing.
func Open(js nats.JetStreamContext, bucket string) (*Store, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		slog.Debug("Bucket not found, creating", "name", bucket)
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "Group registry tables",
			Storage:     nats.FileStorage,
			History:     1,
		})
	}
	if err != nil {
		return nil, classify(err, "open bucket "+bucket)
	}
	return New(kv), nil
}

func tableKey(table string) string {
	return tablePrefix + hex.EncodeToString([]byte(table))
}

func entryKey(table string, key []byte) string {
	return tableKey(table) + entryInfix + hex.EncodeToString(key)
}

func decodeEntryKey(table, subject string) ([]byte, error) {
	raw := strings.TrimPrefix(subject, tableKey(table)+entryInfix)
	return hex.DecodeString(raw)
}

// classify maps NATS errors onto the store taxonomy.
func classify(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrKeyNotFound):
		return storage.Wrap(storage.KindDataNotFound, err, msg)
	case errors.Is(err, nats.ErrKeyExists):
		return storage.Wrap(storage.KindDataExists, err, msg)
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrPermissionViolation):
		return storage.Wrap(storage.KindAuth, err, msg)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoServers), errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionDraining), errors.Is(err, context.DeadlineExceeded):
		return storage.Wrap(storage.KindStoreConnection, err, msg)
	default:
		return storage.Wrap(storage.KindUnknown, err, msg)
	}
}

func isWrongLastSequence(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, nats.ErrKeyExists)
}

func (s *Store) requireTable(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.kv.Get(tableKey(table)); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return storage.Errorf(storage.KindDataContainerNotFound, "table %s", table)
		}
		return classify(err, "table "+table)
	}
	return nil
}

// CreateTable writes the table marker if missing
func (s *Store) CreateTable(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.kv.Create(tableKey(table), []byte(table))
	if err != nil && !isWrongLastSequence(err) {
		return classify(err, "create table "+table)
	}
	return nil
}

// DeleteTable purges every entry and then the marker
func (s *Store) DeleteTable(ctx context.Context, table string, requireEmpty bool) error {
	if err := s.requireTable(ctx, table); err != nil {
		return err
	}
	keys, err := s.watch(ctx, table, true)
	if err != nil {
		return err
	}
	if requireEmpty && len(keys) > 0 {
		return storage.Errorf(storage.KindDataNotEmpty, "table %s has %d entries", table, len(keys))
	}
	for _, e := range keys {
		if err := s.kv.Purge(e.Key()); err != nil {
			return classify(err, "purge "+e.Key())
		}
	}
	s.logger.Debug("natskv: dropping table", "table", table, "entries", len(keys))
	if err := s.kv.Purge(tableKey(table)); err != nil {
		return classify(err, "drop table "+table)
	}
	return nil
}

// GetEntry reads the latest revision of key
func (s *Store) GetEntry(ctx context.Context, table string, key []byte) (storage.Entry, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return storage.Entry{}, err
	}
	e, err := s.kv.Get(entryKey(table, key))
	if err != nil {
		return storage.Entry{}, classify(err, fmt.Sprintf("get %x in table %s", key, table))
	}
	return storage.Entry{Value: e.Value(), Version: storage.Version(e.Revision())}, nil
}

// AddEntryIfAbsent creates key
func (s *Store) AddEntryIfAbsent(ctx context.Context, table string, key, value []byte) (storage.Version, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return 0, err
	}
	rev, err := s.kv.Create(entryKey(table, key), value)
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, storage.Wrap(storage.KindDataExists, err, fmt.Sprintf("key %x in table %s", key, table))
		}
		return 0, classify(err, fmt.Sprintf("create %x in table %s", key, table))
	}
	return storage.Version(rev), nil
}

// UpdateEntry writes key conditioned on its current revision
func (s *Store) UpdateEntry(ctx context.Context, table string, key, value []byte, expected storage.Version) (storage.Version, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return 0, err
	}
	name := entryKey(table, key)
	rev, err := s.kv.Update(name, value, uint64(expected))
	if err == nil {
		return storage.Version(rev), nil
	}
	if !isWrongLastSequence(err) {
		return 0, classify(err, fmt.Sprintf("update %x in table %s", key, table))
	}
	if _, getErr := s.kv.Get(name); errors.Is(getErr, nats.ErrKeyNotFound) {
		return 0, storage.Errorf(storage.KindDataNotFound, "key %x in table %s", key, table)
	}
	return 0, storage.Wrap(storage.KindWriteConflict, err, fmt.Sprintf("key %x in table %s at version %d", key, table, expected))
}

// RemoveEntry deletes key, ignoring absent keys
func (s *Store) RemoveEntry(ctx context.Context, table string, key []byte) error {
	if err := s.requireTable(ctx, table); err != nil {
		return err
	}
	if err := s.kv.Delete(entryKey(table, key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return classify(err, fmt.Sprintf("remove %x in table %s", key, table))
	}
	return nil
}

// GetAllEntries returns every live entry in key order
func (s *Store) GetAllEntries(ctx context.Context, table string) ([]storage.KeyValue, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}
	entries, err := s.watch(ctx, table, false)
	if err != nil {
		return nil, err
	}
	out := make([]storage.KeyValue, 0, len(entries))
	for _, e := range entries {
		key, err := decodeEntryKey(table, e.Key())
		if err != nil {
			return nil, storage.Wrap(storage.KindUnknown, err, "decode key "+e.Key())
		}
		out = append(out, storage.KeyValue{
			Key:   key,
			Entry: storage.Entry{Value: e.Value(), Version: storage.Version(e.Revision())},
		})
	}
	sortEntries(out)
	return out, nil
}

// GetAllKeys returns every live key in key order
func (s *Store) GetAllKeys(ctx context.Context, table string) ([][]byte, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}
	entries, err := s.watch(ctx, table, true)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, len(entries))
	for _, e := range entries {
		key, err := decodeEntryKey(table, e.Key())
		if err != nil {
			return nil, storage.Wrap(storage.KindUnknown, err, "decode key "+e.Key())
		}
		keys = append(keys, key)
	}
	storage.SortKeys(keys)
	return keys, nil
}

// GetKeysPaginated returns a page of keys after token
func (s *Store) GetKeysPaginated(ctx context.Context, table string, token pagination.ContinuationToken, limit int) ([][]byte, pagination.ContinuationToken, error) {
	keys, err := s.GetAllKeys(ctx, table)
	if err != nil {
		return nil, token, err
	}
	return storage.PageKeys(keys, token, limit)
}

// Close is a no-op; the connection is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// watch replays the current entries of table. The watcher delivers a nil
// entry once the initial values have been sent.
func (s *Store) watch(ctx context.Context, table string, metaOnly bool) ([]nats.KeyValueEntry, error) {
	opts := []nats.WatchOpt{nats.IgnoreDeletes()}
	if metaOnly {
		opts = append(opts, nats.MetaOnly())
	}
	w, err := s.kv.Watch(tableKey(table)+".k.*", opts...)
	if err != nil {
		return nil, classify(err, "watch table "+table)
	}
	defer func() {
		if err := w.Stop(); err != nil {
			s.logger.Debug("natskv: stop watcher", "error", err)
		}
	}()

	var entries []nats.KeyValueEntry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-w.Updates():
			if !ok || e == nil {
				return entries, nil
			}
			entries = append(entries, e)
		}
	}
}

func sortEntries(entries []storage.KeyValue) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
}
