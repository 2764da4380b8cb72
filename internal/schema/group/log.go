package group

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"groupregistry/internal/pagination"
	"groupregistry/internal/schema/records"
	"groupregistry/internal/storage"
)

// readBatch is the number of consecutive positions one ReadFrom batch reads.
const readBatch = 32

// Position is the offset of a record in a group log.
type Position int64

// Etag is the tail of a log: the position the next record must be appended
// at. An append under a stale Etag fails with a WriteConflict.
type Etag struct {
	Position Position
}

func (e Etag) String() string {
	return strconv.FormatInt(int64(e.Position), 10)
}

// LogEntry is a record and the position it was read from.
type LogEntry struct {
	Position Position
	Record   records.Record
}

// Log is the append-only record sequence of one group. Each record is stored
// under its big-endian position, so positions are dense and the first missing
// one is the tail.
type Log struct {
	store storage.TableStore
	table string
}

func newLog(store storage.TableStore, table string) *Log {
	return &Log{store: store, table: table}
}

func positionKey(p Position) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(p))
}

// Read returns the record at p or a DataNotFound error.
func (l *Log) Read(ctx context.Context, p Position) (records.Record, error) {
	entry, err := l.store.GetEntry(ctx, l.table, positionKey(p))
	if err != nil {
		return nil, err
	}
	rec, err := records.UnmarshalRecord(entry.Value)
	if err != nil {
		return nil, storage.Wrap(storage.KindUnknown, err, fmt.Sprintf("corrupt log record at %d", p))
	}
	return rec, nil
}

// Append writes rec at the tail named by etag. Losing the position to another
// writer is reported as a WriteConflict.
func (l *Log) Append(ctx context.Context, etag Etag, rec records.Record) (Position, error) {
	_, err := l.store.AddEntryIfAbsent(ctx, l.table, positionKey(etag.Position), records.MarshalRecord(rec))
	if errors.Is(err, storage.ErrDataExists) {
		return 0, storage.Wrap(storage.KindWriteConflict, err, fmt.Sprintf("etag %s is stale", etag))
	}
	if err != nil {
		return 0, err
	}
	return etag.Position, nil
}

// ReadFrom iterates the records from position from up to the current tail.
func (l *Log) ReadFrom(ctx context.Context, from Position) *pagination.Iterator[LogEntry] {
	return pagination.NewIterator(ctx, positionToken(from), l.load)
}

func (l *Log) load(ctx context.Context, token pagination.ContinuationToken) (pagination.ContinuationToken, []LogEntry, error) {
	pos, err := tokenPosition(token)
	if err != nil {
		return token, nil, err
	}
	batch := make([]LogEntry, 0, readBatch)
	for len(batch) < readBatch {
		rec, err := l.Read(ctx, pos)
		if errors.Is(err, storage.ErrDataNotFound) {
			break
		}
		if err != nil {
			return token, nil, err
		}
		batch = append(batch, LogEntry{Position: pos, Record: rec})
		pos++
	}
	return positionToken(pos), batch, nil
}

func positionToken(p Position) pagination.ContinuationToken {
	return pagination.ContinuationToken(strconv.FormatInt(int64(p), 10))
}

func tokenPosition(token pagination.ContinuationToken) (Position, error) {
	if token.IsEmpty() {
		return 0, nil
	}
	p, err := strconv.ParseInt(string(token), 10, 64)
	if err != nil || p < 0 {
		return 0, storage.Errorf(storage.KindUnknown, "malformed log token %q", token)
	}
	return Position(p), nil
}
