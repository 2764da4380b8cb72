package natskv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"groupregistry/internal/storage"
	"groupregistry/internal/storage/storagetest"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	os.Exit(m.Run())
}

func setupTestNATS(t *testing.T) nats.JetStreamContext {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	t.Cleanup(ns.Shutdown)

	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, err := js.AccountInfo(); err == nil {
			return js
		}
		select {
		case <-ctx.Done():
			t.Fatal("JetStream not ready in time")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestStore(t *testing.T) {
	js := setupTestNATS(t)
	var n atomic.Int32

	storagetest.Run(t, func(t *testing.T) storage.TableStore {
		s, err := Open(js, fmt.Sprintf("tables_%d", n.Add(1)))
		require.NoError(t, err)
		return s
	})
}

func TestOpenReusesBucket(t *testing.T) {
	js := setupTestNATS(t)
	ctx := context.Background()

	first, err := Open(js, "shared")
	require.NoError(t, err)
	require.NoError(t, first.CreateTable(ctx, "t1"))
	_, err = first.AddEntryIfAbsent(ctx, "t1", []byte("k"), []byte("v"))
	require.NoError(t, err)

	second, err := Open(js, "shared")
	require.NoError(t, err)
	e, err := second.GetEntry(ctx, "t1", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), e.Value)
}

func TestUpdateMissingKey(t *testing.T) {
	js := setupTestNATS(t)
	ctx := context.Background()

	s, err := Open(js, "missing")
	require.NoError(t, err)
	require.NoError(t, s.CreateTable(ctx, "t1"))

	_, err = s.UpdateEntry(ctx, "t1", []byte("k"), []byte("v"), 7)
	assert.ErrorIs(t, err, storage.ErrDataNotFound)
}

func TestEntryKeyLayout(t *testing.T) {
	assert.Equal(t, "t.6731", tableKey("g1"))
	assert.Equal(t, "t.6731.k._", entryKey("g1", nil))
	assert.Equal(t, "t.6731.k._00ff", entryKey("g1", []byte{0x00, 0xff}))

	key, err := decodeEntryKey("g1", "t.6731.k._00ff")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, key)
}
