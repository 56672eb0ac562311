package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/single-channel-gateway/internal/storage"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

var gatewayEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

func newStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPersisterBootCountsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	first := NewTracker(4)
	p := NewPersister(first, store, gatewayEUI, time.Minute, 10)
	require.NoError(t, p.Restore(ctx), "nothing stored yet")
	first.Boot()
	first.Record(packet(10, 7))
	first.Reset()
	require.NoError(t, p.Flush(ctx))

	second := NewTracker(4)
	require.NoError(t, NewPersister(second, store, gatewayEUI, time.Minute, 10).Restore(ctx))
	second.Boot()
	c := second.Counters()
	assert.Equal(t, uint64(2), c.Boots)
	assert.Equal(t, uint64(1), c.Resets)
	assert.Zero(t, c.RxOK)
	assert.Zero(t, second.Len(), "history is not restored")
}

func TestPersisterRunStoresPackets(t *testing.T) {
	store := newStore(t)
	tr := NewTracker(4)
	p := NewPersister(tr, store, gatewayEUI, time.Hour, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 1; i <= 3; i++ {
		pkt := packet(i, 9)
		pkt.ReceivedAt = time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC)
		tr.Record(pkt)
		p.Enqueue(pkt)
	}
	require.Eventually(t, func() bool {
		_, n, err := store.ListPackets(context.Background(), gatewayEUI, 10, 0)
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	packets, n, err := store.ListPackets(context.Background(), gatewayEUI, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the final flush prunes to the newest entries")
	assert.Equal(t, 3, packets[0].Size)

	c, err := store.LoadCounters(context.Background(), gatewayEUI)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.RxOK)
	assert.Equal(t, uint64(3), c.SF(9))
	assert.Zero(t, p.Dropped())
}
