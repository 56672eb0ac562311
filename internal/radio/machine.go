// Package radio runs the single channel receive and transmit cycle on top
// of an sx1276 register bus: scanning, activity detection, reception,
// scheduled transmission and channel hopping.
package radio

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/sx1276"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

var (
	ErrNotStarted        = errors.New("radio: not started")
	ErrCollision         = errors.New("radio: a transmission is already scheduled")
	ErrInvalidDownlink   = errors.New("radio: invalid downlink")
	ErrInvalidChange     = errors.New("radio: invalid configuration change")
	ErrUnsupportedChange = errors.New("radio: change not handled by the radio")
	ErrTransmitTimeout   = errors.New("radio: no TX_DONE before deadline")
	ErrTransmitPreempted = errors.New("radio: transmission aborted")
)

// txGuard is added to the computed airtime before a transmission is
// declared lost.
const txGuard = 100 * time.Millisecond

// Config holds the radio control parameters. Times are in µs.
type Config struct {
	Settings sx1276.Settings
	Channels []models.Channel
	Hop      bool
	// HopPeriod is the dwell time on each channel.
	HopPeriod uint32
	// ScanInterval is the idle time in SCAN before each CAD.
	ScanInterval uint32
	// CADWindow bounds the time spent in CAD without a verdict.
	CADWindow uint32
	// RXWindow bounds a single reception.
	RXWindow uint32
	Detector DetectorConfig
	Timing   Corrector
	Reentry  ReentryPolicy
	// PollIRQ reads the IRQ register on every poll instead of waiting
	// for DIO signals.
	PollIRQ      bool
	PollInterval time.Duration
	// MinFrequency and MaxFrequency bound downlink and runtime frequencies.
	MinFrequency uint32
	MaxFrequency uint32
}

// DefaultConfig returns the control parameters for a LoRaWAN EU868 node
// listening on 868.1 MHz SF7.
func DefaultConfig() Config {
	return Config{
		Settings: sx1276.DefaultSettings,
		Channels: []models.Channel{
			{Frequency: 868100000, SpreadingFactor: 7, Bandwidth: 125000, CodingRate: 1},
		},
		HopPeriod:    30000000,
		ScanInterval: 500,
		CADWindow:    10000,
		RXWindow:     3000000,
		Detector:     DefaultDetectorConfig,
		Timing:       DefaultCorrector,
		Reentry:      ReentryDrop,
		PollInterval: time.Millisecond,
		MinFrequency: sx1276.MinFrequency,
		MaxFrequency: sx1276.MaxFrequency,
	}
}

// Recorder receives radio statistics.
type Recorder interface {
	Record(pkt *models.ReceivedPacket)
	RecordCRCError()
	RecordTx(ok bool)
}

// PacketHandler is called on the control loop for every valid frame.
type PacketHandler func(pkt *models.ReceivedPacket)

// TxHandler is called when a scheduled downlink is emitted or given up.
type TxHandler func(dl models.Downlink, err error)

// Snapshot is a consistent view of the machine for status reporting.
type Snapshot struct {
	State             State          `json:"state"`
	Channel           models.Channel `json:"channel"`
	ChannelIndex      int            `json:"channelIndex"`
	Hopping           bool           `json:"hopping"`
	TxPending         bool           `json:"txPending"`
	PendingChanges    int            `json:"pendingChanges"`
	Collisions        uint64         `json:"interruptCollisions"`
	DroppedInterrupts uint64         `json:"droppedInterrupts"`
}

type scheduledTx struct {
	dl   models.Downlink
	fire uint32
}

// Machine is the radio control state machine. Poll and Run belong to one
// goroutine; Schedule, Cancel, Apply and Snapshot may be called from any.
type Machine struct {
	cfg      Config
	modem    *sx1276.Configurator
	clock    Clock
	irq      *Interrupts
	detector *ActivityDetector
	hopper   *Hopper
	stats    Recorder
	onPacket PacketHandler
	onTx     TxHandler
	sleep    func(time.Duration)

	// owned by the control loop
	since      uint32
	txDeadline uint32

	mu      sync.Mutex
	state   State
	channel models.Channel
	index   int
	tx      *scheduledTx
	active  *scheduledTx
	changes []models.ConfigChange
	wake    chan struct{}
}

// NewMachine validates cfg and returns a machine in INIT.
func NewMachine(cfg Config, bus sx1276.Bus, clock Clock, stats Recorder) (*Machine, error) {
	if cfg.MaxFrequency == 0 {
		cfg.MinFrequency, cfg.MaxFrequency = sx1276.MinFrequency, sx1276.MaxFrequency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	for i, ch := range cfg.Channels {
		if err := rxModem(ch).Validate(); err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		if !cfg.validFrequency(ch.Frequency) {
			return nil, fmt.Errorf("channel %d: %w: %d Hz", i, sx1276.ErrBadFrequency, ch.Frequency)
		}
	}
	hopper, err := NewHopper(cfg.Channels, cfg.HopPeriod, cfg.Hop)
	if err != nil {
		return nil, err
	}
	ch, idx := hopper.Current()
	return &Machine{
		cfg:      cfg,
		modem:    sx1276.NewConfigurator(bus),
		clock:    clock,
		irq:      NewInterrupts(cfg.Reentry),
		detector: NewActivityDetector(cfg.Detector),
		hopper:   hopper,
		stats:    stats,
		sleep:    pause,
		state:    StateInit,
		channel:  ch,
		index:    idx,
		wake:     make(chan struct{}, 1),
	}, nil
}

// spinWindow is how close to a fire time waiting stops sleeping and spins.
const spinWindow = 200 * time.Microsecond

func pause(d time.Duration) {
	if d > spinWindow {
		time.Sleep(d - spinWindow)
		return
	}
	runtime.Gosched()
}

func (c Config) validFrequency(hz uint32) bool {
	return hz >= c.MinFrequency && hz <= c.MaxFrequency &&
		hz >= sx1276.MinFrequency && hz <= sx1276.MaxFrequency
}

// OnPacket sets the handler for received frames. Call before Start.
func (m *Machine) OnPacket(h PacketHandler) {
	m.onPacket = h
}

// OnTx sets the handler for transmit results. Call before Start.
func (m *Machine) OnTx(h TxHandler) {
	m.onTx = h
}

// Interrupts returns the register DIO sources signal into.
func (m *Machine) Interrupts() *Interrupts {
	return m.irq
}

// Clock returns the machine's time base.
func (m *Machine) Clock() Clock {
	return m.clock
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current status.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:             m.state,
		Channel:           m.channel,
		ChannelIndex:      m.index,
		Hopping:           m.hopper.Enabled(),
		TxPending:         m.tx != nil,
		PendingChanges:    len(m.changes),
		Collisions:        m.irq.Collisions(),
		DroppedInterrupts: m.irq.Dropped(),
	}
}

// Start initializes the radio and tunes the first channel.
func (m *Machine) Start() error {
	if m.State() != StateInit {
		return fmt.Errorf("%w: already started", ErrIllegalTransition)
	}
	if err := m.modem.Init(m.cfg.Settings); err != nil {
		return fmt.Errorf("init radio: %w", err)
	}
	ch, idx := m.hopper.Current()
	if err := m.tune(ch, idx); err != nil {
		return fmt.Errorf("tune radio: %w", err)
	}
	now := m.clock.Micros()
	m.hopper.Start(now)
	if err := m.transition(EventConfigured); err != nil {
		return err
	}
	m.since = now
	log.Info().
		Str("channel", ch.String()).
		Bool("hop", m.hopper.Enabled()).
		Int("channels", len(m.cfg.Channels)).
		Msg("Radio started")
	return nil
}

// Run polls the machine until ctx is done, then puts the radio to sleep.
func (m *Machine) Run(ctx context.Context) error {
	timer := time.NewTimer(m.cfg.PollInterval)
	defer timer.Stop()

	for {
		if err := m.Poll(); err != nil {
			log.Error().Err(err).Str("state", m.State().String()).Msg("Radio poll failed")
			m.fault()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.nextWake())

		select {
		case <-ctx.Done():
			if err := m.modem.SetMode(sx1276.ModeSleep); err != nil {
				log.Warn().Err(err).Msg("Failed to put radio to sleep")
			}
			return ctx.Err()
		case <-m.irq.Notify():
		case <-m.wake:
		case <-timer.C:
		}
	}
}

// nextWake is the poll interval, shortened to hit a scheduled transmission.
func (m *Machine) nextWake() time.Duration {
	d := m.cfg.PollInterval
	m.mu.Lock()
	tx := m.tx
	m.mu.Unlock()
	if tx != nil {
		until := time.Duration(m.cfg.Timing.Until(m.cfg.Timing.PrepareAt(tx.fire), m.clock.Micros())) * time.Microsecond
		if until < d {
			d = until
		}
	}
	return d
}

// Poll advances the machine by one step.
func (m *Machine) Poll() error {
	if m.state == StateInit {
		return ErrNotStarted
	}
	now := m.clock.Micros()

	lines, stamp := m.irq.Take()
	if lines == 0 {
		stamp = now
	}
	var outcome sx1276.Outcome
	if lines != 0 || (m.cfg.PollIRQ && m.state != StateScan) {
		o, err := m.modem.ReadIRQ()
		if err != nil {
			return err
		}
		outcome = o
	}

	if err := m.step(now, outcome, stamp); err != nil {
		return err
	}
	if m.state == StateTX {
		return nil
	}
	return m.startDueTx(m.clock.Micros())
}

func (m *Machine) step(now uint32, outcome sx1276.Outcome, stamp uint32) error {
	switch m.state {
	case StateScan:
		return m.pollScan(now)
	case StateCAD:
		return m.pollCAD(now, outcome)
	case StateRX:
		return m.pollRX(now, outcome, stamp)
	case StateTX:
		return m.pollTX(now, outcome)
	}
	return nil
}

func (m *Machine) pollScan(now uint32) error {
	m.applyChanges(now)
	if m.hopper.Due(now) {
		if err := m.tune(m.hopper.Advance(now)); err != nil {
			return err
		}
	}
	if Since(now, m.since) < m.cfg.ScanInterval {
		return nil
	}
	return m.enter(now, sx1276.ModeCAD, EventScanTick)
}

func (m *Machine) pollCAD(now uint32, outcome sx1276.Outcome) error {
	elapsed := Since(now, m.since)
	rssi, err := m.modem.ReadRSSI()
	if err != nil {
		return err
	}
	busy := m.detector.Observe(rssi, elapsed)
	switch {
	case busy || outcome.Has(sx1276.OutcomeCADDetected):
		log.Trace().Int16("rssi", rssi).Uint32("elapsed", elapsed).Msg("Channel busy")
		return m.enter(now, sx1276.ModeRXSingle, EventChannelBusy)
	case outcome.Has(sx1276.OutcomeCADDone) || elapsed >= m.cfg.CADWindow:
		return m.enter(now, sx1276.ModeStandby, EventChannelIdle)
	}
	return nil
}

func (m *Machine) pollRX(now uint32, outcome sx1276.Outcome, stamp uint32) error {
	switch {
	case outcome.Has(sx1276.OutcomeRxDone | sx1276.OutcomeCRCError):
		if m.stats != nil {
			m.stats.RecordCRCError()
		}
		log.Debug().Uint32("tmst", stamp).Msg("Dropped frame with CRC error")
		return m.enter(now, sx1276.ModeStandby, EventCRCError)
	case outcome.Has(sx1276.OutcomeRxDone):
		if err := m.transition(EventRxDone); err != nil {
			return err
		}
		return m.deliver(now, stamp)
	case outcome.Has(sx1276.OutcomeRxTimeout) || Since(now, m.since) >= m.cfg.RXWindow:
		return m.enter(now, sx1276.ModeStandby, EventRxTimeout)
	}
	return nil
}

// deliver reads the frame in RX_DONE, hands it off and moves on.
func (m *Machine) deliver(now, stamp uint32) error {
	frame, err := m.modem.ReadPacket()
	if err != nil {
		return err
	}
	channelRSSI, err := m.modem.ReadRSSI()
	if err != nil {
		return err
	}
	pkt := &models.ReceivedPacket{
		Payload:      frame.Payload,
		Channel:      m.channel,
		ChannelIndex: m.index,
		Tmst:         stamp,
		ReceivedAt:   time.Now().UTC(),
		RSSI:         frame.RSSI,
		ChannelRSSI:  channelRSSI,
		SNR:          frame.SNR,
		CRCOK:        true,
	}
	// short or non-data frames still forward, only the header is missing
	f, _ := lorawan.ParseFrame(frame.Payload)
	pkt.MType = f.MHDR.MType
	pkt.DevAddr = f.DevAddr
	log.Debug().
		Str("devAddr", pkt.DevAddr.String()).
		Int16("rssi", pkt.RSSI).
		Float32("snr", pkt.SNR).
		Int("size", len(pkt.Payload)).
		Uint32("tmst", pkt.Tmst).
		Msg("Received frame")

	if m.stats != nil {
		m.stats.Record(pkt)
	}
	if m.onPacket != nil {
		m.onPacket(pkt)
	}

	if m.hopper.Due(now) {
		if err := m.tune(m.hopper.Advance(now)); err != nil {
			return err
		}
		return m.enter(now, sx1276.ModeCAD, EventHop)
	}
	return m.enter(now, sx1276.ModeStandby, EventHandedOff)
}

func (m *Machine) pollTX(now uint32, outcome sx1276.Outcome) error {
	switch {
	case outcome.Has(sx1276.OutcomeTxDone):
		return m.finishTx(now, nil)
	case Reached(now, m.txDeadline):
		return m.finishTx(now, ErrTransmitTimeout)
	}
	return nil
}

// enter switches the radio mode and fires ev.
func (m *Machine) enter(now uint32, mode sx1276.Mode, ev Event) error {
	if _, err := Next(m.state, ev); err != nil {
		return err
	}
	if err := m.modem.SetMode(mode); err != nil {
		return err
	}
	m.since = now
	return m.transition(ev)
}

func (m *Machine) transition(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	to, err := Next(m.state, ev)
	if err != nil {
		return err
	}
	log.Trace().Str("from", m.state.String()).Str("to", to.String()).Str("event", ev.String()).Msg("Radio transition")
	m.state = to
	return nil
}

// fault recovers from a failed step by idling the radio in SCAN.
func (m *Machine) fault() {
	now := m.clock.Micros()
	m.mu.Lock()
	tx := m.active
	m.active = nil
	m.mu.Unlock()
	if err := m.modem.SetMode(sx1276.ModeStandby); err != nil {
		log.Warn().Err(err).Msg("Failed to idle radio after fault")
	}
	if tx != nil {
		if err := m.restoreRX(); err != nil {
			log.Warn().Err(err).Msg("Failed to restore receiver after fault")
		}
		m.completeTx(tx, ErrTransmitPreempted)
	}
	if err := m.transition(EventFault); err != nil {
		return
	}
	m.since = now
}

// tune points the receiver at ch.
func (m *Machine) tune(ch models.Channel, idx int) error {
	if err := m.modem.Configure(rxModem(ch)); err != nil {
		return err
	}
	if err := m.modem.SetFrequency(ch.Frequency); err != nil {
		return err
	}
	m.mu.Lock()
	m.channel, m.index = ch, idx
	m.mu.Unlock()
	log.Debug().Str("channel", ch.String()).Int("index", idx).Msg("Tuned")
	return nil
}

func rxModem(ch models.Channel) sx1276.ModemConfig {
	return sx1276.ModemConfig{
		SpreadingFactor: ch.SpreadingFactor,
		Bandwidth:       ch.Bandwidth,
		CodingRate:      ch.CodingRate,
		ImplicitHeader:  ch.SpreadingFactor == 6,
		CRC:             true,
		LowDataRate:     sx1276.LowDataRateRequired(ch.SpreadingFactor),
		AGC:             true,
	}
}

func txModem(dl models.Downlink) sx1276.ModemConfig {
	cfg := rxModem(dl.Channel)
	cfg.CRC = !dl.NoCRC
	return cfg
}
