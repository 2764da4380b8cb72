// Package pagination provides continuation-token cursors shared by the store
// and the group engine.
package pagination

import (
	"context"
)

// ContinuationToken is an opaque cursor into a paginated sequence.
type ContinuationToken string

// Empty denotes the start of a sequence.
const Empty ContinuationToken = ""

// IsEmpty reports whether the token points at the start of the sequence.
func (t ContinuationToken) IsEmpty() bool {
	return t == Empty
}

// Page is one batch of a paginated listing.
type Page[T any] struct {
	Items []T               `json:"items"`
	Token ContinuationToken `json:"continuationToken"`
}

// LoadFunc fetches the batch that follows token.
type LoadFunc[T any] func(ctx context.Context, token ContinuationToken) (ContinuationToken, []T, error)

// Iterator pulls items lazily from a LoadFunc, one batch at a time.
// It is not restartable: create a new Iterator to read again.
type Iterator[T any] struct {
	ctx   context.Context
	load  LoadFunc[T]
	token ContinuationToken
	buf   []T
	cur   T
	done  bool
	err   error
}

// NewIterator returns an iterator positioned before the first item after start.
func NewIterator[T any](ctx context.Context, start ContinuationToken, load LoadFunc[T]) *Iterator[T] {
	return &Iterator[T]{ctx: ctx, load: load, token: start}
}

// Next advances to the next item. It fetches a new batch only when the
// buffered one is exhausted and stops at the first empty batch.
func (it *Iterator[T]) Next() bool {
	if it.done {
		return false
	}
	if len(it.buf) == 0 {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			it.done = true
			return false
		}
		next, batch, err := it.load(it.ctx, it.token)
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		if len(batch) == 0 {
			it.done = true
			return false
		}
		it.token = next
		it.buf = batch
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

// Item returns the current item.
func (it *Iterator[T]) Item() T {
	return it.cur
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Token returns the token of the last fetched batch.
func (it *Iterator[T]) Token() ContinuationToken {
	return it.token
}

// Collect drains the iterator.
func Collect[T any](it *Iterator[T]) ([]T, error) {
	var out []T
	for it.Next() {
		out = append(out, it.Item())
	}
	return out, it.Err()
}

// RetrieveFunc fetches up to limit items following token.
type RetrieveFunc[T any] func(ctx context.Context, token ContinuationToken, limit int) (ContinuationToken, []T, error)

// FilteredWithLimit collects up to limit items accepted by keep. Each call to
// retrieve asks for the number of items still missing. Another page is
// requested only while keep rejected something and the previous page was
// full, so an exhausted source always terminates the loop.
func FilteredWithLimit[T any](ctx context.Context, retrieve RetrieveFunc[T], keep func(T) bool, token ContinuationToken, limit int) (ContinuationToken, []T, error) {
	accepted := make([]T, 0)
	remaining := limit
	for {
		next, items, err := retrieve(ctx, token, remaining)
		if err != nil {
			return token, nil, err
		}
		token = next

		filtered := 0
		for _, item := range items {
			if keep(item) {
				accepted = append(accepted, item)
			} else {
				filtered++
			}
		}

		if filtered == 0 || len(items) != remaining {
			return token, accepted, nil
		}
		remaining = limit - len(accepted)
		if remaining <= 0 {
			return token, accepted, nil
		}
	}
}
