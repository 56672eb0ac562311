package sx1276

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBadSpreadingFactor  = errors.New("sx1276: spreading factor must be 6..12")
	ErrBadBandwidth        = errors.New("sx1276: unsupported bandwidth")
	ErrBadCodingRate       = errors.New("sx1276: coding rate must be 1..4 (4/5..4/8)")
	ErrLowDataRateRequired = errors.New("sx1276: SF11 and SF12 require low data rate optimization")
	ErrImplicitRequired    = errors.New("sx1276: SF6 requires implicit header mode")
	ErrBadFrequency        = errors.New("sx1276: frequency out of range")
	ErrBadPower            = errors.New("sx1276: output power out of range")
	ErrBadVersion          = errors.New("sx1276: unexpected chip version")
	ErrPayloadTooLarge     = errors.New("sx1276: payload exceeds fifo")
)

// Frequency limits of the SX1276 synthesizer.
const (
	MinFrequency = 137000000
	MaxFrequency = 1020000000
)

// bandwidths indexed by their RegModemConfig1 code.
var bandwidths = [...]uint32{7800, 10400, 15600, 20800, 31250, 41700, 62500, 125000, 250000, 500000}

// Bandwidths lists every bandwidth in Hz the modem accepts.
func Bandwidths() []uint32 {
	return append([]uint32(nil), bandwidths[:]...)
}

func bandwidthCode(hz uint32) (byte, bool) {
	for i, bw := range bandwidths {
		if bw == hz {
			return byte(i), true
		}
	}
	return 0, false
}

// ModemConfig holds the logical LoRa modulation parameters.
type ModemConfig struct {
	SpreadingFactor uint8
	Bandwidth       uint32 // Hz
	CodingRate      uint8  // 1..4 for 4/5..4/8
	ImplicitHeader  bool
	CRC             bool
	LowDataRate     bool
	AGC             bool
}

// ModemRegisters are the values of RegModemConfig1..3.
type ModemRegisters struct {
	Config1 byte
	Config2 byte
	Config3 byte
}

func (r ModemRegisters) String() string {
	return fmt.Sprintf("mc1=0x%02x mc2=0x%02x mc3=0x%02x", r.Config1, r.Config2, r.Config3)
}

// LowDataRateRequired reports whether sf needs low data rate optimization.
func LowDataRateRequired(sf uint8) bool {
	return sf >= 11
}

// Validate checks the parameters against what the modem supports.
func (c ModemConfig) Validate() error {
	if c.SpreadingFactor < 6 || c.SpreadingFactor > 12 {
		return fmt.Errorf("%w: got %d", ErrBadSpreadingFactor, c.SpreadingFactor)
	}
	if _, ok := bandwidthCode(c.Bandwidth); !ok {
		return fmt.Errorf("%w: %d Hz", ErrBadBandwidth, c.Bandwidth)
	}
	if c.CodingRate < 1 || c.CodingRate > 4 {
		return fmt.Errorf("%w: got %d", ErrBadCodingRate, c.CodingRate)
	}
	if c.SpreadingFactor == 6 && !c.ImplicitHeader {
		return ErrImplicitRequired
	}
	if LowDataRateRequired(c.SpreadingFactor) && !c.LowDataRate {
		return fmt.Errorf("%w: SF%d", ErrLowDataRateRequired, c.SpreadingFactor)
	}
	return nil
}

// Encode computes the modem configuration registers.
func (c ModemConfig) Encode() (ModemRegisters, error) {
	if err := c.Validate(); err != nil {
		return ModemRegisters{}, err
	}
	bw, _ := bandwidthCode(c.Bandwidth)
	return ModemRegisters{
		Config1: bw<<4 | c.CodingRate<<1 | b2u8(c.ImplicitHeader),
		Config2: c.SpreadingFactor<<4 | b2u8(c.CRC)<<2,
		Config3: b2u8(c.LowDataRate)<<3 | b2u8(c.AGC)<<2,
	}, nil
}

// Decode recovers the logical parameters from register values.
func (r ModemRegisters) Decode() (ModemConfig, error) {
	code := r.Config1 >> 4
	if int(code) >= len(bandwidths) {
		return ModemConfig{}, fmt.Errorf("%w: code %d", ErrBadBandwidth, code)
	}
	c := ModemConfig{
		SpreadingFactor: r.Config2 >> 4,
		Bandwidth:       bandwidths[code],
		CodingRate:      (r.Config1 >> 1) & 0x07,
		ImplicitHeader:  r.Config1&0x01 != 0,
		CRC:             r.Config2&0x04 != 0,
		LowDataRate:     r.Config3&0x08 != 0,
		AGC:             r.Config3&0x04 != 0,
	}
	if err := c.Validate(); err != nil {
		return ModemConfig{}, err
	}
	return c, nil
}

// TimeOnAir returns the airtime of a packet with payloadLen bytes and the
// given preamble length in symbols.
func (c ModemConfig) TimeOnAir(payloadLen int, preamble uint16) time.Duration {
	if c.Bandwidth == 0 {
		return 0
	}
	sf := int64(c.SpreadingFactor)
	crc := int64(b2u8(c.CRC))
	ih := int64(b2u8(c.ImplicitHeader))
	de := int64(b2u8(c.LowDataRate))
	n := 8*int64(payloadLen) - 4*sf + 28 + 16*crc - 20*ih
	div := 4 * (sf - 2*de)
	if n < 0 || div <= 0 {
		n = 0
	} else {
		n = (n + div - 1) / div * (int64(c.CodingRate) + 4)
	}
	// 4.25 preamble overhead rounded up
	n += 8 + int64(preamble) + 5
	return time.Second * time.Duration(n<<uint(sf)) / time.Duration(c.Bandwidth)
}

// FrequencyWord converts hz to the 24-bit RegFrf value.
func FrequencyWord(hz uint32) uint32 {
	return uint32((uint64(hz) << frfShift) / xtalFreq)
}

// Outcome is the decoded meaning of an IRQ flag register value.
type Outcome uint8

const (
	OutcomeRxDone Outcome = 1 << iota
	OutcomeCRCError
	OutcomeRxTimeout
	OutcomeTxDone
	OutcomeCADDone
	OutcomeCADDetected
	OutcomeChannelChange
	OutcomeHeader
)

var outcomeFlags = [...]struct {
	flag    byte
	outcome Outcome
	name    string
}{
	{IRQRxDone, OutcomeRxDone, "RX_DONE"},
	{IRQPayloadCRCErr, OutcomeCRCError, "CRC_ERROR"},
	{IRQRxTimeout, OutcomeRxTimeout, "RX_TIMEOUT"},
	{IRQTxDone, OutcomeTxDone, "TX_DONE"},
	{IRQCADDone, OutcomeCADDone, "CAD_DONE"},
	{IRQCADDetected, OutcomeCADDetected, "CAD_DETECTED"},
	{IRQFHSSChange, OutcomeChannelChange, "FHSS_CHANGE"},
	{IRQValidHeader, OutcomeHeader, "VALID_HEADER"},
}

// DecodeIRQ maps RegIrqFlags to outcomes.
func DecodeIRQ(flags byte) Outcome {
	var o Outcome
	for _, f := range outcomeFlags {
		if flags&f.flag != 0 {
			o |= f.outcome
		}
	}
	return o
}

// Has reports whether all outcomes in x are set.
func (o Outcome) Has(x Outcome) bool {
	return o&x == x
}

func (o Outcome) String() string {
	if o == 0 {
		return "NONE"
	}
	s := ""
	for _, f := range outcomeFlags {
		if o&f.outcome != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
