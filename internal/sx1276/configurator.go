package sx1276

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Settings are the chip-wide values programmed once at init.
type Settings struct {
	SyncWord byte
	// Power is the PA_BOOST output in dBm, 2..20.
	Power    int8
	Preamble uint16
	// SymbolTimeout is the RX_SINGLE timeout in symbols, 4..1023.
	SymbolTimeout uint16
}

// DefaultSettings are LoRaWAN public network values.
var DefaultSettings = Settings{
	SyncWord:      0x34,
	Power:         14,
	Preamble:      8,
	SymbolTimeout: 0x08,
}

// Frame is a packet read from the FIFO with its link metrics.
type Frame struct {
	Payload []byte
	// RSSI is the packet RSSI in dBm.
	RSSI int16
	SNR  float32
}

// Configurator programs the radio through a Bus. It is not safe for
// concurrent use; the radio control loop owns it.
type Configurator struct {
	bus       Bus
	mode      Mode
	frequency uint32
	modem     ModemConfig
}

// NewConfigurator returns a Configurator driving bus.
func NewConfigurator(bus Bus) *Configurator {
	return &Configurator{bus: bus, mode: 0xFF}
}

// Init puts the chip in LoRa mode and programs the static registers.
func (c *Configurator) Init(s Settings) error {
	v, err := c.bus.ReadReg(RegVersion)
	if err != nil {
		return err
	}
	if v != ChipVersion {
		return fmt.Errorf("%w: 0x%02x", ErrBadVersion, v)
	}
	// long range mode can only be switched in sleep
	if err := c.bus.WriteReg(RegOpMode, byte(ModeSleep)); err != nil {
		return err
	}
	c.mode = ModeSleep
	if err := c.SetMode(ModeSleep); err != nil {
		return err
	}

	timeout := s.SymbolTimeout
	if timeout < 4 {
		timeout = 4
	}
	init := []struct {
		reg   Register
		value byte
	}{
		{RegSyncWord, s.SyncWord},
		{RegLna, lnaMaxGain},
		{RegFifoTxBaseAddr, 0x00},
		{RegFifoRxBaseAddr, 0x00},
		{RegMaxPayload, maxPayload},
		{RegHopPeriod, 0x00},
		{RegPreambleMsb, byte(s.Preamble >> 8)},
		{RegPreambleLsb, byte(s.Preamble)},
		{RegSymbTimeoutLsb, byte(timeout)},
		{RegInvertIQ, invertIQRxNormal},
		{RegInvertIQ2, invertIQ2Normal},
		{RegIrqFlagsMask, IRQValidHeader | IRQFHSSChange},
		{RegIrqFlags, IRQAll},
	}
	for _, r := range init {
		if err := c.bus.WriteReg(r.reg, r.value); err != nil {
			return err
		}
	}
	if err := c.SetPower(s.Power); err != nil {
		return err
	}
	return c.SetMode(ModeStandby)
}

// Mode returns the last mode written.
func (c *Configurator) Mode() Mode {
	return c.mode
}

// Frequency returns the last frequency written.
func (c *Configurator) Frequency() uint32 {
	return c.frequency
}

// Modem returns the last modem configuration written.
func (c *Configurator) Modem() ModemConfig {
	return c.modem
}

// SetMode switches the operating mode and maps the DIO pins to the
// interrupts that mode raises.
func (c *Configurator) SetMode(m Mode) error {
	var dio byte
	switch m {
	case ModeRXSingle, ModeRXContinuous:
		dio = dio0RxDone | dio1RxTimeout | dio2FHSSChange
	case ModeTX:
		dio = dio0TxDone | dio1None | dio2None
	case ModeCAD:
		dio = dio0CADDone | dio1CADDetect | dio2None
	default:
		dio = dio0None | dio1None | dio2None
	}
	if err := c.bus.WriteReg(RegDioMapping1, dio); err != nil {
		return err
	}
	op := opModeLoRa | byte(m)
	if c.frequency != 0 && c.frequency < lfBandEdge {
		op |= opModeLF
	}
	if err := c.bus.WriteReg(RegOpMode, op); err != nil {
		return err
	}
	c.mode = m
	return nil
}

// Configure writes the modem registers. The radio must be idle.
func (c *Configurator) Configure(cfg ModemConfig) error {
	regs, err := cfg.Encode()
	if err != nil {
		return err
	}
	if err := c.idle(); err != nil {
		return err
	}
	if err := c.bus.WriteReg(RegModemConfig1, regs.Config1, regs.Config2); err != nil {
		return err
	}
	if err := c.bus.WriteReg(RegModemConfig3, regs.Config3); err != nil {
		return err
	}
	opt, thresh := byte(detectOptSF7), byte(detectThreshSF7)
	if cfg.SpreadingFactor == 6 {
		opt, thresh = detectOptSF6, detectThreshSF6
	}
	if err := c.bus.WriteReg(RegDetectOptimize, opt); err != nil {
		return err
	}
	if err := c.bus.WriteReg(RegDetectThreshold, thresh); err != nil {
		return err
	}
	c.modem = cfg
	log.Debug().
		Uint8("sf", cfg.SpreadingFactor).
		Uint32("bw", cfg.Bandwidth).
		Str("regs", regs.String()).
		Msg("Modem configured")
	return nil
}

// SetFrequency writes the carrier frequency as a single burst so the
// synthesizer never sees a mix of old and new bytes.
func (c *Configurator) SetFrequency(hz uint32) error {
	if hz < MinFrequency || hz > MaxFrequency {
		return fmt.Errorf("%w: %d Hz", ErrBadFrequency, hz)
	}
	if err := c.idle(); err != nil {
		return err
	}
	frf := FrequencyWord(hz)
	if err := c.bus.WriteReg(RegFrfMsb, byte(frf>>16), byte(frf>>8), byte(frf)); err != nil {
		return err
	}
	c.frequency = hz
	return nil
}

// SetPower sets the PA_BOOST output power in dBm.
func (c *Configurator) SetPower(dBm int8) error {
	if dBm < 2 || dBm > 20 {
		return fmt.Errorf("%w: %d dBm", ErrBadPower, dBm)
	}
	pa, dac, ocp := byte(paBoost), byte(paDacDefault), byte(ocpDefault)
	if dBm > 17 {
		// +20 dBm needs the high power DAC and the output power reduced by 3
		pa |= byte(dBm-5) & 0x0F
		dac, ocp = paDacHighPower, ocpHighPower
	} else {
		pa |= byte(dBm-2) & 0x0F
	}
	if err := c.bus.WriteReg(RegPaConfig, pa); err != nil {
		return err
	}
	if err := c.bus.WriteReg(RegOcp, ocp); err != nil {
		return err
	}
	return c.bus.WriteReg(RegPaDac, dac)
}

// SetInvertIQ selects inverted IQ for downlinks or normal IQ for uplinks.
func (c *Configurator) SetInvertIQ(invert bool) error {
	v, v2 := byte(invertIQRxNormal), byte(invertIQ2Normal)
	if invert {
		v, v2 = invertIQTxInvert, invertIQ2Invert
	}
	if err := c.bus.WriteReg(RegInvertIQ, v); err != nil {
		return err
	}
	return c.bus.WriteReg(RegInvertIQ2, v2)
}

// SetPreamble sets the preamble length in symbols.
func (c *Configurator) SetPreamble(symbols uint16) error {
	return c.bus.WriteReg(RegPreambleMsb, byte(symbols>>8), byte(symbols))
}

// ReadIRQ returns the pending interrupt flags and clears them.
func (c *Configurator) ReadIRQ() (Outcome, error) {
	flags, err := c.bus.ReadReg(RegIrqFlags)
	if err != nil {
		return 0, err
	}
	if flags != 0 {
		if err := c.bus.WriteReg(RegIrqFlags, flags); err != nil {
			return 0, err
		}
	}
	return DecodeIRQ(flags), nil
}

// rssiOffset is the datasheet offset for the active frequency band.
func (c *Configurator) rssiOffset() int16 {
	if c.frequency != 0 && c.frequency < lfBandEdge {
		return -164
	}
	return -157
}

// ReadRSSI returns the current channel RSSI in dBm.
func (c *Configurator) ReadRSSI() (int16, error) {
	raw, err := c.bus.ReadReg(RegRssiValue)
	if err != nil {
		return 0, err
	}
	return c.rssiOffset() + int16(raw), nil
}

// ReadPacket reads the last received packet from the FIFO.
func (c *Configurator) ReadPacket() (Frame, error) {
	cur, err := c.bus.ReadReg(RegFifoRxCurrent)
	if err != nil {
		return Frame{}, err
	}
	n, err := c.bus.ReadReg(RegRxNbBytes)
	if err != nil {
		return Frame{}, err
	}
	if err := c.bus.WriteReg(RegFifoAddrPtr, cur); err != nil {
		return Frame{}, err
	}
	payload, err := c.bus.ReadBurst(RegFifo, int(n))
	if err != nil {
		return Frame{}, err
	}
	metrics, err := c.bus.ReadBurst(RegPktSnrValue, 2)
	if err != nil {
		return Frame{}, err
	}
	snr := float32(int8(metrics[0])) / 4
	return Frame{
		Payload: payload,
		SNR:     snr,
		RSSI:    PacketRSSI(c.rssiOffset(), metrics[1], snr),
	}, nil
}

// PacketRSSI converts RegPktRssiValue to dBm. Below the noise floor the
// negative SNR is added, otherwise the register's 15/16 scale is undone.
func PacketRSSI(offset int16, raw byte, snr float32) int16 {
	if snr < 0 {
		return offset + int16(raw) + int16(snr)
	}
	return offset + int16(raw)*16/15
}

// WritePayload loads payload into the FIFO for transmission.
func (c *Configurator) WritePayload(payload []byte) error {
	if len(payload) > fifoSize-1 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if err := c.idle(); err != nil {
		return err
	}
	if err := c.bus.WriteReg(RegFifoAddrPtr, 0x00); err != nil {
		return err
	}
	if err := c.bus.WriteReg(RegFifo, payload...); err != nil {
		return err
	}
	return c.bus.WriteReg(RegPayloadLength, byte(len(payload)))
}

// idle moves the radio to standby unless it is already sleeping or idle.
func (c *Configurator) idle() error {
	if c.mode == ModeStandby || c.mode == ModeSleep {
		return nil
	}
	return c.SetMode(ModeStandby)
}
