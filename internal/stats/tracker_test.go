package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

func packet(size int, sf uint8) *models.ReceivedPacket {
	return &models.ReceivedPacket{
		Payload: make([]byte, size),
		Channel: models.Channel{Frequency: 868100000, SpreadingFactor: sf, Bandwidth: 125000, CodingRate: 1},
		RSSI:    -140,
	}
}

func TestTrackerEvictsOldest(t *testing.T) {
	tr := NewTracker(3)
	for i := 1; i <= 5; i++ {
		tr.Record(packet(i, 7))
	}

	h := tr.History()
	require.Len(t, h, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{h[0].Size, h[1].Size, h[2].Size})
	assert.Equal(t, 3, tr.Len())

	recent := tr.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, 5, recent[0].Size)
	assert.Equal(t, 4, recent[1].Size)

	assert.Equal(t, uint64(5), tr.Counters().RxOK, "counters are not bounded by the history")
}

func TestTrackerKeepsCaptureDetails(t *testing.T) {
	tr := NewTracker(2)
	pkt := packet(4, 10)
	pkt.Tmst = 123456789
	pkt.ChannelIndex = 2
	pkt.ChannelRSSI = -131
	pkt.DevAddr = [4]byte{0x26, 0x01, 0x1b, 0x7f}
	tr.Record(pkt)

	h := tr.History()
	require.Len(t, h, 1)
	assert.Equal(t, uint32(123456789), h[0].Tmst)
	assert.Equal(t, 2, h[0].ChannelIndex)
	assert.Equal(t, uint32(868100000), h[0].Frequency)
	assert.Equal(t, uint8(10), h[0].SpreadingFactor)
	assert.Equal(t, int16(-140), h[0].RSSI)
	assert.Equal(t, int16(-131), h[0].ChannelRSSI)
	assert.Equal(t, pkt.DevAddr, h[0].DevAddr)
}

func TestTrackerPartialHistory(t *testing.T) {
	tr := NewTracker(4)
	tr.Record(packet(1, 9))
	tr.Record(packet(2, 12))

	h := tr.History()
	require.Len(t, h, 2)
	assert.Equal(t, 1, h[0].Size)
	assert.Equal(t, int16(-140), h[0].RSSI)

	c := tr.Counters()
	assert.Equal(t, uint64(1), c.SF(9))
	assert.Equal(t, uint64(1), c.SF(12))
	assert.Equal(t, uint64(0), c.SF(7))
	assert.Equal(t, uint64(0), c.SF(200))
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(2)
	tr.Boot()
	tr.Record(packet(1, 7))
	tr.RecordCRCError()
	tr.RecordTx(true)
	tr.RecordTx(false)
	tr.RecordForwarded()

	c := tr.Counters()
	assert.Equal(t, uint64(2), c.RxTotal())
	assert.Equal(t, uint64(1), c.TxOK)
	assert.Equal(t, uint64(1), c.TxFailed)

	tr.Reset()
	c = tr.Counters()
	assert.Zero(t, c.RxOK)
	assert.Zero(t, c.CRCErrors)
	assert.Zero(t, c.SF(7))
	assert.Zero(t, tr.Forwarded())
	assert.Equal(t, uint64(1), c.Boots)
	assert.Equal(t, uint64(1), c.Resets)
	assert.Empty(t, tr.History())
}

func TestTrackerRestore(t *testing.T) {
	tr := NewTracker(0)
	assert.Equal(t, DefaultHistorySize, tr.Cap())

	tr.Restore(models.Counters{RxOK: 10, Boots: 3})
	tr.Boot()
	c := tr.Counters()
	assert.Equal(t, uint64(10), c.RxOK)
	assert.Equal(t, uint64(4), c.Boots)
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker(8)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				tr.Record(packet(i, 7))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = tr.History()
				_ = tr.Counters()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), tr.Counters().RxOK)
	assert.Len(t, tr.History(), 8)
}
