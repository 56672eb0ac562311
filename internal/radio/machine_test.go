package radio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/sx1276"
)

type fakeClock struct {
	now uint32
}

func (c *fakeClock) Micros() uint32 { return c.now }

func (c *fakeClock) Advance(us uint32) { c.now += us }

type recorder struct {
	packets []*models.ReceivedPacket
	crc     int
	txOK    int
	txFail  int
}

func (r *recorder) Record(pkt *models.ReceivedPacket) { r.packets = append(r.packets, pkt) }
func (r *recorder) RecordCRCError()                   { r.crc++ }

func (r *recorder) RecordTx(ok bool) {
	if ok {
		r.txOK++
	} else {
		r.txFail++
	}
}

type txResult struct {
	dl  models.Downlink
	err error
}

type harness struct {
	m     *Machine
	regs  *sx1276.RegisterFile
	clock *fakeClock
	rec   *recorder
	rx    []*models.ReceivedPacket
	tx    []txResult
}

func newHarness(t *testing.T, cfg Config, start uint32) *harness {
	t.Helper()
	h := &harness{
		regs:  sx1276.NewRegisterFile(),
		clock: &fakeClock{now: start},
		rec:   &recorder{},
	}
	m, err := NewMachine(cfg, h.regs, h.clock, h.rec)
	require.NoError(t, err)
	m.OnPacket(func(pkt *models.ReceivedPacket) { h.rx = append(h.rx, pkt) })
	m.OnTx(func(dl models.Downlink, err error) { h.tx = append(h.tx, txResult{dl, err}) })
	m.sleep = func(d time.Duration) { h.clock.Advance(uint32(d / time.Microsecond)) }
	require.NoError(t, m.Start())
	h.m = m
	return h
}

func (h *harness) mode() sx1276.Mode {
	return sx1276.Mode(h.regs.Get(sx1276.RegOpMode) & 0x07)
}

func (h *harness) frequencyWord() uint32 {
	return uint32(h.regs.Get(sx1276.RegFrfMsb))<<16 |
		uint32(h.regs.Get(sx1276.RegFrfMid))<<8 |
		uint32(h.regs.Get(sx1276.RegFrfLsb))
}

// keyed reports whether the transmitter was ever switched on.
func (h *harness) keyed() bool {
	for _, w := range h.regs.Writes() {
		if w.Reg == sx1276.RegOpMode && len(w.Values) > 0 && sx1276.Mode(w.Values[0]&0x07) == sx1276.ModeTX {
			return true
		}
	}
	return false
}

func (h *harness) irq(t *testing.T, flags byte) {
	t.Helper()
	h.regs.RaiseIRQ(flags)
	h.m.Interrupts().Signal(DIO0, h.clock.now)
	require.NoError(t, h.m.Poll())
}

// toRX walks SCAN -> CAD -> RX with a strong carrier.
func (h *harness) toRX(t *testing.T) {
	t.Helper()
	h.clock.Advance(600)
	require.NoError(t, h.m.Poll())
	require.Equal(t, StateCAD, h.m.State())
	require.Equal(t, sx1276.ModeCAD, h.mode())

	h.regs.SetRSSI(60)
	h.clock.Advance(300)
	require.NoError(t, h.m.Poll())
	require.Equal(t, StateRX, h.m.State())
	require.Equal(t, sx1276.ModeRXSingle, h.mode())
}

func TestMachineStart(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)

	assert.Equal(t, StateScan, h.m.State())
	assert.Equal(t, sx1276.FrequencyWord(868100000), h.frequencyWord())
	assert.Equal(t, byte(0x74), h.regs.Get(sx1276.RegModemConfig2))

	assert.ErrorIs(t, h.m.Start(), ErrIllegalTransition)
}

func TestMachinePollBeforeStart(t *testing.T) {
	m, err := NewMachine(DefaultConfig(), sx1276.NewRegisterFile(), &fakeClock{}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Poll(), ErrNotStarted)
	assert.ErrorIs(t, m.Schedule(models.Downlink{
		Immediate: true,
		Channel:   DefaultConfig().Channels[0],
		Payload:   []byte{1},
	}), ErrNotStarted)
}

func TestNewMachineRejectsBadChannels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = []models.Channel{{Frequency: 868100000, SpreadingFactor: 7, Bandwidth: 100000, CodingRate: 1}}
	_, err := NewMachine(cfg, sx1276.NewRegisterFile(), &fakeClock{}, nil)
	assert.ErrorIs(t, err, sx1276.ErrBadBandwidth)

	cfg = DefaultConfig()
	cfg.Hop = true
	_, err = NewMachine(cfg, sx1276.NewRegisterFile(), &fakeClock{}, nil)
	assert.ErrorIs(t, err, ErrTooFewChannels)
}

func TestMachineReceive(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 1000)
	h.toRX(t)

	payload := []byte{0x40, 0xda, 0x1b, 0x01, 0x26, 0x00, 0x01, 0x00, 0x01, 0xaa, 0x01, 0x02, 0x03, 0x04}
	// SNR -12.5 dB pushes the packet RSSI below the int8 range
	h.regs.LoadPacket(payload, 2, -50)
	h.clock.Advance(40000)
	stamp := h.clock.now
	h.irq(t, sx1276.IRQRxDone|sx1276.IRQValidHeader)

	require.Len(t, h.rx, 1)
	pkt := h.rx[0]
	assert.Equal(t, payload, pkt.Payload)
	assert.Equal(t, int16(-167), pkt.RSSI)
	assert.Equal(t, float32(-12.5), pkt.SNR)
	assert.Equal(t, stamp, pkt.Tmst)
	assert.Equal(t, "26011bda", pkt.DevAddr.String())
	assert.Equal(t, uint32(868100000), pkt.Channel.Frequency)
	assert.True(t, pkt.CRCOK)

	assert.Len(t, h.rec.packets, 1)
	assert.Equal(t, StateScan, h.m.State())
	assert.Equal(t, byte(0), h.regs.Get(sx1276.RegIrqFlags))
}

func TestMachineCRCError(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.toRX(t)

	h.regs.LoadPacket([]byte{0x40, 0x01}, 40, 20)
	h.irq(t, sx1276.IRQRxDone|sx1276.IRQPayloadCRCErr)

	assert.Empty(t, h.rx)
	assert.Equal(t, 1, h.rec.crc)
	assert.Equal(t, StateScan, h.m.State())
}

func TestMachineRxTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.toRX(t)

	h.irq(t, sx1276.IRQRxTimeout)
	assert.Equal(t, StateScan, h.m.State())
	assert.Empty(t, h.rx)
}

func TestMachineRxWindowBound(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.toRX(t)

	h.clock.Advance(DefaultConfig().RXWindow)
	require.NoError(t, h.m.Poll())
	assert.Equal(t, StateScan, h.m.State())
}

func TestMachineCADIdle(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.clock.Advance(600)
	require.NoError(t, h.m.Poll())
	require.Equal(t, StateCAD, h.m.State())

	h.regs.SetRSSI(20)
	h.clock.Advance(300)
	h.irq(t, sx1276.IRQCADDone)
	assert.Equal(t, StateScan, h.m.State())
	assert.Equal(t, sx1276.ModeStandby, h.mode())
}

func TestMachineCADWindow(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.clock.Advance(600)
	require.NoError(t, h.m.Poll())

	h.regs.SetRSSI(20)
	h.clock.Advance(5000)
	require.NoError(t, h.m.Poll())
	assert.Equal(t, StateCAD, h.m.State())

	h.clock.Advance(5000)
	require.NoError(t, h.m.Poll())
	assert.Equal(t, StateScan, h.m.State())
}

func TestMachinePollIRQ(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollIRQ = true
	h := newHarness(t, cfg, 0)
	h.toRX(t)

	h.regs.LoadPacket([]byte{0x80, 0x01, 0x02, 0x03, 0x04, 0x00, 0x05, 0x00, 0x01, 0x02, 0x03, 0x04}, 60, 28)
	h.regs.RaiseIRQ(sx1276.IRQRxDone)
	require.NoError(t, h.m.Poll())

	require.Len(t, h.rx, 1)
	assert.Equal(t, "04030201", h.rx[0].DevAddr.String())
}

func testDownlink(token uint16, tmst uint32) models.Downlink {
	return models.Downlink{
		Token:    token,
		Tmst:     tmst,
		Channel:  models.Channel{Frequency: 869525000, SpreadingFactor: 9, Bandwidth: 125000, CodingRate: 1},
		Power:    14,
		InvertIQ: true,
		NoCRC:    true,
		Payload:  []byte{0x60, 0xda, 0x1b, 0x01, 0x26, 0x00, 0x00, 0x00},
	}
}

func TestMachineScheduledTransmit(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 1000000)
	dl := testDownlink(7, h.clock.now+5000)

	require.NoError(t, h.m.Schedule(dl))
	assert.ErrorIs(t, h.m.Schedule(testDownlink(8, h.clock.now+9000)), ErrCollision)
	assert.True(t, h.m.Snapshot().TxPending)

	h.clock.Advance(2000)
	require.NoError(t, h.m.Poll())
	assert.NotEqual(t, StateTX, h.m.State(), "outside the preparation lead")

	h.clock.Advance(1000)
	require.NoError(t, h.m.Poll())
	require.Equal(t, StateTX, h.m.State())
	assert.Equal(t, sx1276.ModeTX, h.mode())
	assert.Equal(t, dl.Tmst, h.clock.now, "keyed at the fire time")
	assert.Equal(t, dl.Payload, h.regs.FIFO(0, len(dl.Payload)))
	assert.Equal(t, byte(len(dl.Payload)), h.regs.Get(sx1276.RegPayloadLength))
	assert.Equal(t, sx1276.FrequencyWord(869525000), h.frequencyWord())
	assert.Equal(t, byte(0x66), h.regs.Get(sx1276.RegInvertIQ))
	assert.Equal(t, byte(0x90), h.regs.Get(sx1276.RegModemConfig2), "SF9 without CRC")
	assert.False(t, h.m.Snapshot().TxPending)

	assert.ErrorIs(t, h.m.Schedule(testDownlink(9, h.clock.now+9000)), ErrCollision, "slot busy while on air")

	h.clock.Advance(150000)
	h.irq(t, sx1276.IRQTxDone)
	assert.Equal(t, StateScan, h.m.State())
	require.Len(t, h.tx, 1)
	assert.NoError(t, h.tx[0].err)
	assert.Equal(t, uint16(7), h.tx[0].dl.Token)
	assert.Equal(t, 1, h.rec.txOK)

	// receiver settings are back
	assert.Equal(t, sx1276.FrequencyWord(868100000), h.frequencyWord())
	assert.Equal(t, byte(0x27), h.regs.Get(sx1276.RegInvertIQ))
	assert.Equal(t, byte(0x74), h.regs.Get(sx1276.RegModemConfig2))
}

func TestMachineTransmitPreemptsReceive(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.toRX(t)

	dl := testDownlink(1, 0)
	dl.Immediate = true
	require.NoError(t, h.m.Schedule(dl))
	require.NoError(t, h.m.Poll())
	assert.Equal(t, StateTX, h.m.State())
}

func TestMachineMissedWindowAtSchedule(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 1000000)
	before := h.regs.Writes()

	err := h.m.Schedule(testDownlink(3, 990000))
	assert.ErrorIs(t, err, ErrMissedWindow)
	assert.False(t, h.m.Snapshot().TxPending)
	assert.Equal(t, StateScan, h.m.State())
	assert.Equal(t, before, h.regs.Writes(), "rejected downlink leaves the radio untouched")
	assert.Empty(t, h.tx)
}

func TestMachineElapsedTmstNeverTransmits(t *testing.T) {
	for _, elapsed := range []uint32{1, 300, 10000} {
		h := newHarness(t, DefaultConfig(), 1000000)
		before := h.regs.Writes()

		err := h.m.Schedule(testDownlink(3, h.clock.now-elapsed))
		require.ErrorIs(t, err, ErrMissedWindow, "elapsed %d µs", elapsed)
		assert.Equal(t, before, h.regs.Writes(), "elapsed %d µs leaves the radio untouched", elapsed)

		require.NoError(t, h.m.Poll())
		assert.NotEqual(t, StateTX, h.m.State())
		assert.False(t, h.keyed(), "elapsed %d µs", elapsed)
		assert.Empty(t, h.tx)
	}
}

func TestMachinePreparationOverrun(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	dl := testDownlink(6, 1500)
	require.NoError(t, h.m.Schedule(dl))

	// every bus write costs 1 ms, so the radio is ready after the fire time
	h.m.modem = sx1276.NewConfigurator(slowBus{RegisterFile: h.regs, clock: h.clock})
	require.NoError(t, h.m.Poll())

	assert.Equal(t, StateScan, h.m.State())
	assert.False(t, h.keyed())
	require.Len(t, h.tx, 1)
	assert.ErrorIs(t, h.tx[0].err, ErrMissedWindow)
	assert.Equal(t, 1, h.rec.txFail)
}

type slowBus struct {
	*sx1276.RegisterFile
	clock *fakeClock
}

func (b slowBus) WriteReg(reg sx1276.Register, data ...byte) error {
	b.clock.Advance(1000)
	return b.RegisterFile.WriteReg(reg, data...)
}

func TestMachineMissedWindowInQueue(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	require.NoError(t, h.m.Schedule(testDownlink(4, 1000)))

	h.clock.Advance(2000)
	require.NoError(t, h.m.Poll())

	assert.NotEqual(t, StateTX, h.m.State())
	require.Len(t, h.tx, 1)
	assert.ErrorIs(t, h.tx[0].err, ErrMissedWindow)
	assert.Equal(t, 1, h.rec.txFail)
}

func TestMachineScheduleAcrossWrap(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0xFFFFF000)
	require.NoError(t, h.m.Schedule(testDownlink(5, 0x00000100)))

	h.clock.Advance(0x1100)
	require.NoError(t, h.m.Poll())
	assert.Equal(t, StateTX, h.m.State())
}

func TestMachineScheduleValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)

	dl := testDownlink(1, 100)
	dl.Channel.Frequency = 2400000000
	assert.ErrorIs(t, h.m.Schedule(dl), sx1276.ErrBadFrequency)

	dl = testDownlink(1, 100)
	dl.Power = 30
	assert.ErrorIs(t, h.m.Schedule(dl), sx1276.ErrBadPower)

	dl = testDownlink(1, 100)
	dl.Channel.SpreadingFactor = 13
	assert.ErrorIs(t, h.m.Schedule(dl), ErrInvalidDownlink)

	dl = testDownlink(1, 100)
	dl.Payload = nil
	assert.ErrorIs(t, h.m.Schedule(dl), ErrInvalidDownlink)
}

func TestMachineCancel(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	require.NoError(t, h.m.Schedule(testDownlink(11, 100000)))

	assert.False(t, h.m.Cancel(12))
	assert.True(t, h.m.Cancel(11))
	assert.False(t, h.m.Snapshot().TxPending)

	h.clock.Advance(100000)
	require.NoError(t, h.m.Poll())
	assert.NotEqual(t, StateTX, h.m.State())
	assert.Empty(t, h.tx)
}

func TestMachineTransmitTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	dl := testDownlink(2, 0)
	dl.Immediate = true
	require.NoError(t, h.m.Schedule(dl))
	require.NoError(t, h.m.Poll())
	require.Equal(t, StateTX, h.m.State())

	h.clock.Advance(5000000)
	require.NoError(t, h.m.Poll())
	assert.Equal(t, StateScan, h.m.State())
	require.Len(t, h.tx, 1)
	assert.ErrorIs(t, h.tx[0].err, ErrTransmitTimeout)
}

func TestMachineApplySpreadingFactor(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.toRX(t)

	require.NoError(t, h.m.Apply(models.ConfigChange{Kind: models.ChangeSpreadingFactor, SpreadingFactor: 12}))
	assert.Equal(t, 1, h.m.Snapshot().PendingChanges)
	// not applied mid-reception
	assert.Equal(t, byte(0x74), h.regs.Get(sx1276.RegModemConfig2))

	h.irq(t, sx1276.IRQRxTimeout)
	require.Equal(t, StateScan, h.m.State())
	require.NoError(t, h.m.Poll())

	assert.Equal(t, byte(0xC4), h.regs.Get(sx1276.RegModemConfig2))
	assert.Equal(t, byte(0x0C), h.regs.Get(sx1276.RegModemConfig3), "low data rate optimization on")
	assert.Equal(t, uint8(12), h.m.Snapshot().Channel.SpreadingFactor)
	assert.Zero(t, h.m.Snapshot().PendingChanges)
}

func TestMachineApplyRejects(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)

	assert.ErrorIs(t, h.m.Apply(models.ConfigChange{Kind: models.ChangeSpreadingFactor, SpreadingFactor: 13}), ErrInvalidChange)
	assert.ErrorIs(t, h.m.Apply(models.ConfigChange{Kind: models.ChangeFrequency, Frequency: 100}), ErrInvalidChange)
	assert.ErrorIs(t, h.m.Apply(models.ConfigChange{Kind: models.ChangeResetStatistics}), ErrUnsupportedChange)
	assert.Zero(t, h.m.Snapshot().PendingChanges)
}

func TestMachineApplyFrequencyStopsHopping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = testChannels(3)
	cfg.Hop = true
	h := newHarness(t, cfg, 0)

	require.NoError(t, h.m.Apply(models.ConfigChange{Kind: models.ChangeFrequency, Frequency: 868300000}))
	require.NoError(t, h.m.Poll())

	snap := h.m.Snapshot()
	assert.False(t, snap.Hopping)
	assert.Equal(t, uint32(868300000), snap.Channel.Frequency)
	assert.Equal(t, sx1276.FrequencyWord(868300000), h.frequencyWord())
}

func TestMachineHopsInScan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = testChannels(3)
	cfg.Hop = true
	cfg.HopPeriod = 10000
	cfg.ScanInterval = 1000000
	h := newHarness(t, cfg, 0xFFFFFFFF-5000)

	var seen []int
	for i := 0; i < 6; i++ {
		h.clock.Advance(10000)
		require.NoError(t, h.m.Poll())
		snap := h.m.Snapshot()
		seen = append(seen, snap.ChannelIndex)
		assert.Equal(t, sx1276.FrequencyWord(cfg.Channels[snap.ChannelIndex].Frequency), h.frequencyWord())
	}
	assert.Equal(t, []int{1, 2, 0, 1, 2, 0}, seen)
}

func TestMachineHopsAfterReceive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = testChannels(3)
	cfg.Hop = true
	cfg.HopPeriod = 5000
	h := newHarness(t, cfg, 0)
	h.toRX(t)

	h.regs.LoadPacket([]byte{0x40, 0x01, 0x02, 0x03, 0x04, 0x00, 0x01, 0x00, 0xaa, 0xbb, 0xcc, 0xdd}, 60, 20)
	h.clock.Advance(5000)
	h.irq(t, sx1276.IRQRxDone)

	require.Len(t, h.rx, 1)
	assert.Equal(t, 0, h.rx[0].ChannelIndex)
	assert.Equal(t, StateCAD, h.m.State(), "hop goes straight to CAD")
	assert.Equal(t, 1, h.m.Snapshot().ChannelIndex)
}

func TestMachineRun(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, sx1276.ModeSleep, h.mode())
}

type fakePin struct {
	edges chan struct{}
	high  atomic.Bool
}

func (p *fakePin) WaitForEdge(timeout time.Duration) bool {
	if timeout == 0 {
		select {
		case <-p.edges:
			return true
		default:
			return false
		}
	}
	select {
	case <-p.edges:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *fakePin) Read() gpio.Level {
	if p.high.Load() {
		return gpio.High
	}
	return gpio.Low
}

func TestWatchDIO(t *testing.T) {
	pin := &fakePin{edges: make(chan struct{}, 1)}
	irq := NewInterrupts(ReentryDrop)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		WatchDIO(ctx, pin, DIO0|DIO1, irq, &fakeClock{now: 42})
		close(stopped)
	}()

	pin.high.Store(true)
	pin.edges <- struct{}{}

	select {
	case <-irq.Notify():
	case <-time.After(time.Second):
		t.Fatal("no interrupt signalled")
	}
	lines, stamp := irq.Take()
	assert.Equal(t, DIO0|DIO1, lines)
	assert.Equal(t, uint32(42), stamp)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
