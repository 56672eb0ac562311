package radio

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/sx1276"
)

// Schedule reserves the transmit slot for dl. Only one downlink may be
// pending; a second one fails with ErrCollision. Timing errors are
// returned before anything is reserved.
func (m *Machine) Schedule(dl models.Downlink) error {
	if err := m.validateDownlink(dl); err != nil {
		return err
	}
	now := m.clock.Micros()
	fire := now
	if !dl.Immediate {
		var err error
		if fire, err = m.cfg.Timing.FireAt(dl.Tmst, now); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.state == StateInit {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.tx != nil || m.active != nil {
		m.mu.Unlock()
		return ErrCollision
	}
	m.tx = &scheduledTx{dl: dl, fire: fire}
	m.mu.Unlock()

	log.Debug().
		Uint16("token", dl.Token).
		Uint32("tmst", dl.Tmst).
		Uint32("fire", fire).
		Uint32("now", now).
		Str("channel", dl.Channel.String()).
		Msg("Downlink scheduled")

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Machine) validateDownlink(dl models.Downlink) error {
	if err := txModem(dl).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDownlink, err)
	}
	if !m.cfg.validFrequency(dl.Channel.Frequency) {
		return fmt.Errorf("%w: %w: %d Hz", ErrInvalidDownlink, sx1276.ErrBadFrequency, dl.Channel.Frequency)
	}
	if dl.Power != 0 && (dl.Power < 2 || dl.Power > 20) {
		return fmt.Errorf("%w: %w: %d dBm", ErrInvalidDownlink, sx1276.ErrBadPower, dl.Power)
	}
	if len(dl.Payload) == 0 || len(dl.Payload) > 255 {
		return fmt.Errorf("%w: %w: %d bytes", ErrInvalidDownlink, sx1276.ErrPayloadTooLarge, len(dl.Payload))
	}
	return nil
}

// Cancel withdraws a scheduled downlink that has not started. It reports
// whether a downlink with token was pending.
func (m *Machine) Cancel(token uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil || m.tx.dl.Token != token {
		return false
	}
	m.tx = nil
	return true
}

// startDueTx prepares the pending downlink once its fire time is within
// the corrector's lead, or drops it when the fire time has passed.
// Immediate downlinks have no deadline.
func (m *Machine) startDueTx(now uint32) error {
	m.mu.Lock()
	tx := m.tx
	if tx == nil {
		m.mu.Unlock()
		return nil
	}
	due := true
	if !tx.dl.Immediate {
		var err error
		if due, err = m.cfg.Timing.Due(tx.fire, now); err != nil {
			m.tx = nil
			m.mu.Unlock()
			m.completeTx(tx, err)
			return nil
		}
	}
	if !due {
		m.mu.Unlock()
		return nil
	}
	m.tx = nil
	m.active = tx
	m.mu.Unlock()

	return m.transmit(now, tx)
}

func (m *Machine) transmit(now uint32, tx *scheduledTx) error {
	if err := m.transition(EventTxDue); err != nil {
		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()
		m.completeTx(tx, err)
		return nil
	}
	m.since = now

	dl := tx.dl
	cfg := txModem(dl)
	power := dl.Power
	if power == 0 {
		power = m.cfg.Settings.Power
	}
	preamble := dl.Preamble
	if preamble == 0 {
		preamble = m.cfg.Settings.Preamble
	}

	steps := []func() error{
		func() error { return m.modem.SetMode(sx1276.ModeStandby) },
		func() error { return m.modem.Configure(cfg) },
		func() error { return m.modem.SetFrequency(dl.Channel.Frequency) },
		func() error { return m.modem.SetPower(power) },
		func() error { return m.modem.SetInvertIQ(dl.InvertIQ) },
		func() error { return m.modem.SetPreamble(preamble) },
		func() error { return m.modem.WritePayload(dl.Payload) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	if !dl.Immediate {
		if err := m.waitFor(tx.fire); err != nil {
			return m.finishTx(m.clock.Micros(), err)
		}
	}
	if err := m.modem.SetMode(sx1276.ModeTX); err != nil {
		return err
	}

	keyed := m.clock.Micros()
	airtime := cfg.TimeOnAir(len(dl.Payload), preamble)
	m.txDeadline = keyed + uint32((airtime+txGuard)/time.Microsecond)
	log.Debug().
		Uint16("token", dl.Token).
		Dur("airtime", airtime).
		Uint32("fire", tx.fire).
		Uint32("keyed", keyed).
		Msg("Transmitting")
	return nil
}

// waitFor blocks until the clock reaches fire. It fails with
// ErrMissedWindow when preparing the radio already overran fire.
func (m *Machine) waitFor(fire uint32) error {
	left := Diff(fire, m.clock.Micros())
	if left < 0 {
		return fmt.Errorf("%w: radio ready %d µs after fire time", ErrMissedWindow, -left)
	}
	for left > 0 {
		m.sleep(time.Duration(left) * time.Microsecond)
		left = Diff(fire, m.clock.Micros())
	}
	return nil
}

func (m *Machine) finishTx(now uint32, txErr error) error {
	m.mu.Lock()
	tx := m.active
	m.active = nil
	m.mu.Unlock()
	if err := m.restoreRX(); err != nil {
		return err
	}
	if tx != nil {
		m.completeTx(tx, txErr)
	}
	return m.enter(now, sx1276.ModeStandby, EventTxDone)
}

// completeTx records and reports the end of a downlink.
func (m *Machine) completeTx(tx *scheduledTx, err error) {
	if m.stats != nil {
		m.stats.RecordTx(err == nil)
	}
	if err != nil {
		log.Warn().Err(err).Uint16("token", tx.dl.Token).Msg("Downlink not sent")
	} else {
		log.Info().Uint16("token", tx.dl.Token).Str("channel", tx.dl.Channel.String()).Msg("Downlink sent")
	}
	if m.onTx != nil {
		m.onTx(tx.dl, err)
	}
}

// restoreRX undoes the transmit settings.
func (m *Machine) restoreRX() error {
	if err := m.modem.SetInvertIQ(false); err != nil {
		return err
	}
	if err := m.modem.SetPreamble(m.cfg.Settings.Preamble); err != nil {
		return err
	}
	m.mu.Lock()
	ch, idx := m.channel, m.index
	m.mu.Unlock()
	return m.tune(ch, idx)
}

// Apply queues a runtime change. It is validated now and applied the next
// time the machine is in SCAN, so no reception or transmission is cut.
func (m *Machine) Apply(change models.ConfigChange) error {
	switch change.Kind {
	case models.ChangeSpreadingFactor:
		if change.SpreadingFactor < 7 || change.SpreadingFactor > 12 {
			return fmt.Errorf("%w: %w: got %d", ErrInvalidChange, sx1276.ErrBadSpreadingFactor, change.SpreadingFactor)
		}
	case models.ChangeFrequency:
		if !m.cfg.validFrequency(change.Frequency) {
			return fmt.Errorf("%w: %w: %d Hz", ErrInvalidChange, sx1276.ErrBadFrequency, change.Frequency)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChange, change.Kind)
	}

	m.mu.Lock()
	m.changes = append(m.changes, change)
	m.mu.Unlock()
	log.Info().Str("kind", change.Kind.String()).Msg("Radio change queued")
	return nil
}

func (m *Machine) applyChanges(now uint32) {
	m.mu.Lock()
	changes := m.changes
	m.changes = nil
	m.mu.Unlock()

	for _, c := range changes {
		switch c.Kind {
		case models.ChangeSpreadingFactor:
			m.hopper.Update(func(ch *models.Channel) { ch.SpreadingFactor = c.SpreadingFactor })
		case models.ChangeFrequency:
			ch, _ := m.hopper.Current()
			ch.Frequency = c.Frequency
			// a fixed frequency ends hopping
			if err := m.hopper.Replace([]models.Channel{ch}, false, now); err != nil {
				log.Error().Err(err).Msg("Failed to apply frequency")
				continue
			}
		}
		if err := m.tune(m.hopper.Current()); err != nil {
			log.Error().Err(err).Str("kind", c.Kind.String()).Msg("Failed to apply radio change")
			continue
		}
		log.Info().Str("kind", c.Kind.String()).Msg("Radio change applied")
	}
}
