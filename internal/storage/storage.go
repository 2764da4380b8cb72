// Package storage defines the table transport the registry is built on:
// named tables of binary keys, each entry carrying a version used as a
// fencing token for conditional writes.
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"sort"

	"groupregistry/internal/pagination"
)

// Version fences conditional updates of a single entry.
type Version uint64

// Entry is a stored value and its current version.
type Entry struct {
	Value   []byte
	Version Version
}

// KeyValue is an entry together with its key.
type KeyValue struct {
	Key []byte
	Entry
}

// TableStore is the contract every backend implements. Operations on a
// missing table fail with DataContainerNotFound.
type TableStore interface {
	// CreateTable creates the table if it does not exist.
	CreateTable(ctx context.Context, table string) error
	// DeleteTable drops the table. With requireEmpty it fails with
	// DataNotEmpty when the table still holds entries.
	DeleteTable(ctx context.Context, table string, requireEmpty bool) error
	// GetEntry fails with DataNotFound when key is absent.
	GetEntry(ctx context.Context, table string, key []byte) (Entry, error)
	// AddEntryIfAbsent fails with DataExists when key is present.
	AddEntryIfAbsent(ctx context.Context, table string, key, value []byte) (Version, error)
	// UpdateEntry fails with WriteConflict unless the stored version is expected.
	UpdateEntry(ctx context.Context, table string, key, value []byte, expected Version) (Version, error)
	// RemoveEntry succeeds when key is already absent.
	RemoveEntry(ctx context.Context, table string, key []byte) error
	// GetAllEntries returns entries in key order.
	GetAllEntries(ctx context.Context, table string) ([]KeyValue, error)
	// GetAllKeys returns keys in key order.
	GetAllKeys(ctx context.Context, table string) ([][]byte, error)
	// GetKeysPaginated returns up to limit keys after token, in key order.
	// The returned token is never emptied; an empty batch marks the end.
	GetKeysPaginated(ctx context.Context, table string, token pagination.ContinuationToken, limit int) ([][]byte, pagination.ContinuationToken, error)
	Close() error
}

// KeyToken encodes key as a continuation token.
func KeyToken(key []byte) pagination.ContinuationToken {
	return pagination.ContinuationToken(hex.EncodeToString(key))
}

// TokenKey decodes a token produced by KeyToken.
func TokenKey(token pagination.ContinuationToken) ([]byte, error) {
	if token.IsEmpty() {
		return nil, nil
	}
	key, err := hex.DecodeString(string(token))
	if err != nil {
		return nil, Errorf(KindUnknown, "malformed continuation token %q", token)
	}
	return key, nil
}

// PageKeys slices sorted keys into one page following token.
func PageKeys(sorted [][]byte, token pagination.ContinuationToken, limit int) ([][]byte, pagination.ContinuationToken, error) {
	after, err := TokenKey(token)
	if err != nil {
		return nil, token, err
	}
	start := 0
	if after != nil {
		start = sort.Search(len(sorted), func(i int) bool {
			return bytes.Compare(sorted[i], after) > 0
		})
	}
	end := len(sorted)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := sorted[start:end]
	if len(page) == 0 {
		return nil, token, nil
	}
	return page, KeyToken(page[len(page)-1]), nil
}

// SortKeys orders keys bytewise in place.
func SortKeys(keys [][]byte) {
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
}
