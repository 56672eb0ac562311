package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

var gatewayEUI = lorawan.EUI64{0xb8, 0x27, 0xeb, 0xff, 0xfe, 0x12, 0x34, 0x56}

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LoadCounters(ctx, gatewayEUI)
	assert.ErrorIs(t, err, ErrNotFound)

	c := models.Counters{RxOK: 10, CRCErrors: 2, TxOK: 3, TxFailed: 1, Boots: 4, Resets: 1}
	c.PerSF[7] = 6
	c.PerSF[12] = 4
	require.NoError(t, s.SaveCounters(ctx, gatewayEUI, c))

	got, err := s.LoadCounters(ctx, gatewayEUI)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	c.RxOK = 11
	c.Boots = 5
	require.NoError(t, s.SaveCounters(ctx, gatewayEUI, c))
	got, err = s.LoadCounters(ctx, gatewayEUI)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got.RxOK)
	assert.Equal(t, uint64(5), got.Boots)

	_, err = s.LoadCounters(ctx, lorawan.EUI64{1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPacketHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SavePacket(ctx, gatewayEUI, &models.PacketSummary{
			Tmst:            0xFFFFFF00 + uint32(i),
			ReceivedAt:      base.Add(time.Duration(i) * time.Second),
			DevAddr:         lorawan.DevAddr{0x26, 0x01, 0x1b, byte(i)},
			MType:           "UnconfirmedDataUp",
			ChannelIndex:    i % 3,
			Frequency:       868100000,
			SpreadingFactor: 7,
			RSSI:            -140 + int16(i),
			ChannelRSSI:     -120,
			SNR:             -7.5,
			Size:            20 + i,
		}))
	}
	require.NoError(t, s.SavePacket(ctx, lorawan.EUI64{9}, &models.PacketSummary{MType: "JoinRequest"}))

	packets, total, err := s.ListPackets(ctx, gatewayEUI, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, packets, 2)
	assert.Equal(t, 24, packets[0].Size, "newest first")
	assert.Equal(t, int16(-136), packets[0].RSSI)
	assert.Equal(t, int16(-120), packets[0].ChannelRSSI)
	assert.Equal(t, uint32(0xFFFFFF04), packets[0].Tmst, "tmst near the wrap survives")
	assert.Equal(t, 1, packets[0].ChannelIndex)
	assert.Equal(t, lorawan.DevAddr{0x26, 0x01, 0x1b, 4}, packets[0].DevAddr)
	assert.Equal(t, uint32(868100000), packets[0].Frequency)
	assert.Equal(t, float32(-7.5), packets[0].SNR)
	assert.True(t, packets[0].ReceivedAt.Equal(base.Add(4*time.Second)))

	deleted, err := s.PrunePackets(ctx, gatewayEUI, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	packets, total, err = s.ListPackets(ctx, gatewayEUI, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, 22, packets[2].Size)

	_, other, err := s.ListPackets(ctx, lorawan.EUI64{9}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestEventLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boot := &models.EventLog{GatewayID: gatewayEUI.String(), Type: models.EventTypeBoot, Description: "started"}
	require.NoError(t, s.CreateEventLog(ctx, boot))
	assert.Equal(t, models.EventLevelInfo, boot.Level)

	refused := &models.EventLog{
		GatewayID: gatewayEUI.String(),
		Type:      models.EventTypeTxAck,
		Level:     models.EventLevelWarning,
		Code:      "TOO_LATE",
		Details:   models.Variables{"token": float64(42)},
		BaseModel: models.BaseModel{CreatedAt: time.Now().UTC().Add(time.Second)},
	}
	require.NoError(t, s.CreateEventLog(ctx, refused))

	events, total, err := s.ListEventLogs(ctx, EventLogFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, events, 2)
	assert.Equal(t, "TOO_LATE", events[0].Code)
	assert.Equal(t, gatewayEUI.String(), events[0].GatewayID)
	assert.Equal(t, float64(42), events[0].Details["token"])

	level := models.EventLevelWarning
	eui := gatewayEUI
	events, total, err = s.ListEventLogs(ctx, EventLogFilters{GatewayID: &eui, Level: &level}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, refused.ID, events[0].ID)

	typ := models.EventTypeManagement
	_, total, err = s.ListEventLogs(ctx, EventLogFilters{Type: &typ}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	assert.ErrorIs(t, s.CreateEventLog(ctx, &models.EventLog{GatewayID: "nope", Type: models.EventTypeBoot}), ErrInvalidData)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveCounters(ctx, gatewayEUI, models.Counters{RxOK: 1}))
	require.NoError(t, tx.Rollback())

	_, err = s.LoadCounters(ctx, gatewayEUI)
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err = s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveCounters(ctx, gatewayEUI, models.Counters{RxOK: 2}))
	require.NoError(t, tx.Commit())

	c, err := s.LoadCounters(ctx, gatewayEUI)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.RxOK)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "", Options{})
	assert.Error(t, err)
}
