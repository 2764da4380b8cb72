package pebblestore

import (
	"context"
	"testing"
	"time"

	"groupregistry/internal/storage"
	"groupregistry/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMetrics struct {
	wrote int
	read  int
}

func (m *testMetrics) ObserveWrite(_ time.Duration, bytes int) { m.wrote += bytes }
func (m *testMetrics) ObserveRead(_ time.Duration, bytes int)  { m.read += bytes }

func newTestStore(t *testing.T, dir string, metrics MetricsHook) *Store {
	t.Helper()
	s, err := Open(Options{
		DataDir:       dir,
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.TableStore {
		s := newTestStore(t, t.TempDir(), nil)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestVersionsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	metrics := &testMetrics{}

	s := newTestStore(t, dir, metrics)
	require.NoError(t, s.CreateTable(ctx, "t1"))
	v1, err := s.AddEntryIfAbsent(ctx, "t1", []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = s.GetEntry(ctx, "t1", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.NotZero(t, metrics.wrote)
	assert.NotZero(t, metrics.read)

	s = newTestStore(t, dir, nil)
	defer s.Close()

	e, err := s.GetEntry(ctx, "t1", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, v1, e.Version)

	v2, err := s.AddEntryIfAbsent(ctx, "t1", []byte("b"), []byte("2"))
	require.NoError(t, err)
	assert.Greater(t, v2, v1)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x03}, prefixEnd([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x02}, prefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}
