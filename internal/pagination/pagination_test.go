package pagination

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sliceSource pages over items using the index of the next item as token.
type sliceSource struct {
	items []int
	calls int
}

func (s *sliceSource) retrieve(_ context.Context, token ContinuationToken, limit int) (ContinuationToken, []int, error) {
	s.calls++
	start := 0
	if !token.IsEmpty() {
		n, err := strconv.Atoi(string(token))
		if err != nil {
			return token, nil, err
		}
		start = n
	}
	end := min(start+limit, len(s.items))
	if start >= end {
		return token, nil, nil
	}
	return ContinuationToken(strconv.Itoa(end)), s.items[start:end], nil
}

func (s *sliceSource) load(batch int) LoadFunc[int] {
	return func(ctx context.Context, token ContinuationToken) (ContinuationToken, []int, error) {
		return s.retrieve(ctx, token, batch)
	}
}

func TestIterator(t *testing.T) {
	tests := []struct {
		name  string
		items []int
		batch int
		calls int
	}{
		{name: "empty", items: nil, batch: 3, calls: 1},
		{name: "exact batches", items: []int{1, 2, 3, 4, 5, 6}, batch: 3, calls: 3},
		{name: "partial tail", items: []int{1, 2, 3, 4, 5}, batch: 2, calls: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &sliceSource{items: tt.items}
			it := NewIterator(context.Background(), Empty, src.load(tt.batch))
			got, err := Collect(it)
			require.NoError(t, err)
			assert.Equal(t, tt.items, got)
			assert.Equal(t, tt.calls, src.calls)
			assert.False(t, it.Next(), "iterator is not restartable")
		})
	}
}

func TestIteratorStopsOnEmptyBatchWithToken(t *testing.T) {
	calls := 0
	load := func(_ context.Context, token ContinuationToken) (ContinuationToken, []string, error) {
		calls++
		if token.IsEmpty() {
			return "more", []string{"a"}, nil
		}
		return "still-more", nil, nil
	}

	got, err := Collect(NewIterator(context.Background(), Empty, load))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 2, calls)
}

func TestIteratorLoadError(t *testing.T) {
	boom := errors.New("boom")
	load := func(context.Context, ContinuationToken) (ContinuationToken, []int, error) {
		return Empty, nil, boom
	}
	it := NewIterator(context.Background(), Empty, load)
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), boom)
}

func TestIteratorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &sliceSource{items: []int{1}}
	it := NewIterator(ctx, Empty, src.load(1))
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
	assert.Zero(t, src.calls)
}

func TestFilteredWithLimit(t *testing.T) {
	even := func(n int) bool { return n%2 == 0 }
	all := func(int) bool { return true }
	none := func(int) bool { return false }

	tests := []struct {
		name   string
		items  []int
		keep   func(int) bool
		limit  int
		want   []int
		calls  int
		wantTo ContinuationToken
	}{
		{
			name:   "nothing filtered stops after one call",
			items:  []int{1, 2, 3, 4, 5},
			keep:   all,
			limit:  3,
			want:   []int{1, 2, 3},
			calls:  1,
			wantTo: "3",
		},
		{
			name:   "refills while saturated and filtering",
			items:  []int{1, 2, 3, 4, 5, 6, 7, 8},
			keep:   even,
			limit:  3,
			want:   []int{2, 4, 6},
			calls:  3,
			wantTo: "6",
		},
		{
			name:   "rejecting everything terminates on exhaustion",
			items:  []int{1, 3, 5, 7},
			keep:   none,
			limit:  2,
			want:   []int{},
			calls:  3,
			wantTo: "4",
		},
		{
			name:   "short page ends the loop",
			items:  []int{1, 2, 3},
			keep:   even,
			limit:  5,
			want:   []int{2},
			calls:  1,
			wantTo: "3",
		},
		{
			name:   "huge limit is bounded by the source",
			items:  []int{1, 2, 3},
			keep:   all,
			limit:  1 << 62,
			want:   []int{1, 2, 3},
			calls:  1,
			wantTo: "3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &sliceSource{items: tt.items}
			token, got, err := FilteredWithLimit(context.Background(), src.retrieve, tt.keep, Empty, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.calls, src.calls)
			assert.Equal(t, tt.wantTo, token)
		})
	}
}

func TestFilteredWithLimitResumes(t *testing.T) {
	src := &sliceSource{items: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}
	odd := func(n int) bool { return n%2 == 1 }

	var all []int
	token := Empty
	for {
		next, got, err := FilteredWithLimit(context.Background(), src.retrieve, odd, token, 2)
		require.NoError(t, err)
		if len(got) == 0 {
			break
		}
		all = append(all, got...)
		token = next
	}
	assert.Equal(t, []int{1, 3, 5, 7, 9}, all)
}
