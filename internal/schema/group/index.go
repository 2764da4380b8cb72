package group

import (
	"context"
	"errors"
	"fmt"

	"groupregistry/internal/schema/records"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"

	"golang.org/x/sync/errgroup"
)

// Index holds the point lookups derived from a group log. Every write is an
// idempotent read-modify-write, so replaying a record any number of times,
// from any number of writers, converges to the same state.
type Index struct {
	store storage.TableStore
	table string
}

func newIndex(store storage.TableStore, table string) *Index {
	return &Index{store: store, table: table}
}

// mutation computes the next value of a key from its current one. It returns
// false when the key should be left untouched.
type mutation func(cur records.IndexValue, found bool) (records.IndexValue, bool)

type indexOp struct {
	key    records.IndexKey
	mutate mutation
}

// lookup returns the value under key, asserting it is a T.
func lookup[T records.IndexValue](ctx context.Context, ix *Index, key records.IndexKey) (T, bool, error) {
	var zero T
	entry, err := ix.store.GetEntry(ctx, ix.table, records.MarshalKey(key))
	if errors.Is(err, storage.ErrDataNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	v, err := records.DecodeValue[T](entry.Value)
	if err != nil {
		return zero, false, storage.Wrap(storage.KindUnknown, err, fmt.Sprintf("corrupt index value for %T", key))
	}
	return v, true, nil
}

// update applies mutate to key, retrying until its conditional write lands
// or mutate declines to write.
func (ix *Index) update(ctx context.Context, key records.IndexKey, mutate mutation) error {
	k := records.MarshalKey(key)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var cur records.IndexValue
		entry, err := ix.store.GetEntry(ctx, ix.table, k)
		found := err == nil
		switch {
		case found:
			if cur, err = records.UnmarshalValue(entry.Value); err != nil {
				return storage.Wrap(storage.KindUnknown, err, fmt.Sprintf("corrupt index value for %T", key))
			}
		case !errors.Is(err, storage.ErrDataNotFound):
			return err
		}

		next, write := mutate(cur, found)
		if !write {
			return nil
		}
		value := records.MarshalValue(next)
		if found {
			_, err = ix.store.UpdateEntry(ctx, ix.table, k, value, entry.Version)
		} else {
			_, err = ix.store.AddEntryIfAbsent(ctx, ix.table, k, value)
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrWriteConflict), errors.Is(err, storage.ErrDataExists), errors.Is(err, storage.ErrDataNotFound):
			continue
		default:
			return err
		}
	}
}

// apply runs the index operations of one record concurrently.
func (ix *Index) apply(ctx context.Context, pos Position, rec records.Record) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, op := range opsFor(pos, rec) {
		op := op
		eg.Go(func() error {
			return ix.update(ctx, op.key, op.mutate)
		})
	}
	return eg.Wait()
}

// syncedTill returns the first log position not yet reflected in the index.
func (ix *Index) syncedTill(ctx context.Context) (Position, error) {
	v, _, err := lookup[records.WALPosition](ctx, ix, records.SyncedTillKey{})
	return Position(v.Position), err
}

func opsFor(pos Position, rec records.Record) []indexOp {
	p := int64(pos)
	switch r := rec.(type) {
	case records.GroupPropertiesRecord:
		return []indexOp{
			{key: records.ValidationPolicyKey{}, mutate: positionIfGreater(p)},
		}
	case records.ValidationRecord:
		return []indexOp{
			{key: records.ValidationPolicyKey{}, mutate: positionIfGreater(p)},
		}
	case records.SchemaRecord:
		return []indexOp{
			{key: records.VersionInfoKey{Ordinal: r.Version.Ordinal}, mutate: putIfAbsent(records.WALPosition{Position: p})},
			{key: records.SchemaFingerprintKey{Fingerprint: r.Schema.Fingerprint()}, mutate: addVersion(r.Version)},
			{key: records.LatestSchemaKey{}, mutate: positionIfGreater(p)},
			{key: records.LatestSchemaKey{ObjectType: r.Version.ObjectType}, mutate: positionIfGreater(p)},
		}
	case records.EncodingRecord:
		return []indexOp{
			{key: records.EncodingInfoKey{Version: r.Version, Codec: r.Codec}, mutate: putIfAbsent(records.EncodingIDValue{ID: r.ID})},
			{key: records.EncodingIDKey{ID: r.ID}, mutate: putIfAbsent(records.EncodingInfoValue{Version: r.Version, Codec: r.Codec})},
			{key: records.LatestEncodingIDKey{}, mutate: encodingIDIfGreater(r.ID)},
		}
	case records.CodecTypeRecord:
		return []indexOp{
			{key: records.CodecTypesKey{}, mutate: addCodec(r.Codec)},
		}
	default:
		return nil
	}
}

func putIfAbsent(v records.IndexValue) mutation {
	return func(_ records.IndexValue, found bool) (records.IndexValue, bool) {
		return v, !found
	}
}

func positionIfGreater(p int64) mutation {
	return func(cur records.IndexValue, found bool) (records.IndexValue, bool) {
		old, ok := cur.(records.WALPosition)
		return records.WALPosition{Position: p}, !found || !ok || old.Position < p
	}
}

func encodingIDIfGreater(id types.EncodingID) mutation {
	return func(cur records.IndexValue, found bool) (records.IndexValue, bool) {
		old, ok := cur.(records.EncodingIDValue)
		return records.EncodingIDValue{ID: id}, !found || !ok || old.ID < id
	}
}

func addVersion(v types.VersionInfo) mutation {
	return func(cur records.IndexValue, _ bool) (records.IndexValue, bool) {
		list, _ := cur.(records.SchemaVersionList)
		for _, have := range list.Versions {
			if have == v {
				return nil, false
			}
		}
		return records.SchemaVersionList{Versions: append(list.Versions, v)}, true
	}
}

func addCodec(c types.CodecType) mutation {
	return func(cur records.IndexValue, _ bool) (records.IndexValue, bool) {
		list, _ := cur.(records.CodecTypeList)
		for _, have := range list.Codecs {
			if have.Equal(c) {
				return nil, false
			}
		}
		return records.CodecTypeList{Codecs: append(list.Codecs, c)}, true
	}
}
