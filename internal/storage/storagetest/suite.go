// Package storagetest holds the conformance tests every TableStore backend
// must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"groupregistry/internal/pagination"
	"groupregistry/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises the TableStore contract against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.TableStore) {
	t.Helper()

	t.Run("missing table", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetEntry(ctx, "nope", []byte("k"))
		assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)
		_, err = s.AddEntryIfAbsent(ctx, "nope", []byte("k"), []byte("v"))
		assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)
		_, err = s.GetAllEntries(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)
		err = s.DeleteTable(ctx, "nope", false)
		assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)
	})

	t.Run("create is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateTable(ctx, "t1"))
		_, err := s.AddEntryIfAbsent(ctx, "t1", []byte("k"), []byte("v"))
		require.NoError(t, err)
		require.NoError(t, s.CreateTable(ctx, "t1"))

		e, err := s.GetEntry(ctx, "t1", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), e.Value)
	})

	t.Run("conditional writes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "t1"))

		_, err := s.GetEntry(ctx, "t1", []byte("k"))
		assert.ErrorIs(t, err, storage.ErrDataNotFound)

		v1, err := s.AddEntryIfAbsent(ctx, "t1", []byte("k"), []byte("one"))
		require.NoError(t, err)

		_, err = s.AddEntryIfAbsent(ctx, "t1", []byte("k"), []byte("again"))
		assert.ErrorIs(t, err, storage.ErrDataExists)

		v2, err := s.UpdateEntry(ctx, "t1", []byte("k"), []byte("two"), v1)
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)

		_, err = s.UpdateEntry(ctx, "t1", []byte("k"), []byte("stale"), v1)
		assert.ErrorIs(t, err, storage.ErrWriteConflict)

		e, err := s.GetEntry(ctx, "t1", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), e.Value)
		assert.Equal(t, v2, e.Version)

		require.NoError(t, s.RemoveEntry(ctx, "t1", []byte("k")))
		require.NoError(t, s.RemoveEntry(ctx, "t1", []byte("k")))
		_, err = s.GetEntry(ctx, "t1", []byte("k"))
		assert.ErrorIs(t, err, storage.ErrDataNotFound)

		_, err = s.AddEntryIfAbsent(ctx, "t1", []byte("k"), []byte("three"))
		require.NoError(t, err)
	})

	t.Run("tables are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "a"))
		require.NoError(t, s.CreateTable(ctx, "ab"))

		_, err := s.AddEntryIfAbsent(ctx, "a", []byte("bk"), []byte("1"))
		require.NoError(t, err)
		_, err = s.AddEntryIfAbsent(ctx, "ab", []byte("k"), []byte("2"))
		require.NoError(t, err)

		keys, err := s.GetAllKeys(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("bk")}, keys)
	})

	t.Run("delete table", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "t1"))
		_, err := s.AddEntryIfAbsent(ctx, "t1", []byte("k"), []byte("v"))
		require.NoError(t, err)

		err = s.DeleteTable(ctx, "t1", true)
		assert.ErrorIs(t, err, storage.ErrDataNotEmpty)

		require.NoError(t, s.DeleteTable(ctx, "t1", false))
		_, err = s.GetEntry(ctx, "t1", []byte("k"))
		assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)

		require.NoError(t, s.CreateTable(ctx, "t1"))
		keys, err := s.GetAllKeys(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("ordered listing and pages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "t1"))

		for _, k := range []string{"d", "a", "e", "c", "b"} {
			_, err := s.AddEntryIfAbsent(ctx, "t1", []byte(k), []byte("v"+k))
			require.NoError(t, err)
		}

		all, err := s.GetAllEntries(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, k := range []string{"a", "b", "c", "d", "e"} {
			assert.Equal(t, []byte(k), all[i].Key)
			assert.Equal(t, []byte("v"+k), all[i].Value)
		}

		var pages [][]string
		token := pagination.Empty
		for {
			keys, next, err := s.GetKeysPaginated(ctx, "t1", token, 2)
			require.NoError(t, err)
			if len(keys) == 0 {
				assert.Equal(t, token, next)
				break
			}
			assert.False(t, next.IsEmpty())
			page := make([]string, 0, len(keys))
			for _, k := range keys {
				page = append(page, string(k))
			}
			pages = append(pages, page)
			token = next
		}
		assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, pages)
	})

	t.Run("binary keys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "t1"))

		keys := [][]byte{{0x00}, {0x00, 0x01}, {0xff, 0x2e}, []byte("a.b*c>")}
		for _, k := range keys {
			_, err := s.AddEntryIfAbsent(ctx, "t1", k, k)
			require.NoError(t, err)
		}
		for _, k := range keys {
			e, err := s.GetEntry(ctx, "t1", k)
			require.NoError(t, err)
			assert.Equal(t, k, e.Value)
		}
	})

	t.Run("concurrent add if absent has one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "t1"))

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AddEntryIfAbsent(ctx, "t1", []byte("k"), []byte(fmt.Sprint(i)))
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		won := 0
		for err := range results {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, storage.ErrDataExists)
		}
		assert.Equal(t, 1, won)
	})
}
