package group

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"
	"groupregistry/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// barrierStore holds the first parties appends to table until all of them
// arrived, so every writer has read the same Etag before any append lands.
type barrierStore struct {
	storage.TableStore
	table   string
	parties int

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newBarrierStore(inner storage.TableStore, table string, parties int) *barrierStore {
	return &barrierStore{TableStore: inner, table: table, parties: parties, release: make(chan struct{})}
}

func (s *barrierStore) AddEntryIfAbsent(ctx context.Context, table string, key, value []byte) (storage.Version, error) {
	if table == s.table {
		s.mu.Lock()
		if s.arrived < s.parties {
			s.arrived++
			if s.arrived == s.parties {
				close(s.release)
			}
		}
		s.mu.Unlock()

		select {
		case <-s.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.TableStore.AddEntryIfAbsent(ctx, table, key, value)
}

func concurrentRuleUpdates(t *testing.T, opts Options) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inner := memory.New()
	newTestGroup(t, inner, avroProps(types.AllowAny, false), opts)

	g := New(newBarrierStore(inner, testTables.Log, 2), "test", testTables, nil, opts)
	rules := []types.SchemaValidationRules{
		types.RulesOf(types.Compatibility{Kind: types.Backward}),
		types.RulesOf(types.Compatibility{Kind: types.Forward}),
	}

	errs := make([]error, len(rules))
	var wg sync.WaitGroup
	for i, r := range rules {
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = g.UpdateValidationRules(ctx, r, nil)
		}()
	}
	wg.Wait()
	return errs
}

func TestStaleEtagWithoutRetries(t *testing.T) {
	errs := concurrentRuleUpdates(t, Options{Retry: RetryPolicy{MaxRetries: 0}})

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], storage.ErrWriteConflict)
}

func TestStaleEtagIsRetried(t *testing.T) {
	errs := concurrentRuleUpdates(t, testOptions())
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

// flakyStore fails the first failures reads with a transient error.
type flakyStore struct {
	storage.TableStore
	failures atomic.Int32
}

func (s *flakyStore) GetEntry(ctx context.Context, table string, key []byte) (storage.Entry, error) {
	if s.failures.Add(-1) >= 0 {
		return storage.Entry{}, storage.Wrap(storage.KindStoreConnection, errors.New("connection reset"), "get entry")
	}
	return s.TableStore.GetEntry(ctx, table, key)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	newTestGroup(t, inner, avroProps(types.AllowAny, false), testOptions())

	flaky := &flakyStore{TableStore: inner}
	g := New(flaky, "test", testTables, nil, testOptions())

	flaky.failures.Store(3)
	require.NoError(t, g.AddCodecType(ctx, types.SnappyCodec))

	noRetry := New(flaky, "test", testTables, nil, Options{})
	flaky.failures.Store(1)
	err := noRetry.AddCodecType(ctx, types.GZipCodec)
	assert.ErrorIs(t, err, storage.ErrStoreConnection)
}
