package sx1276

import (
	"fmt"

	"periph.io/x/periph/conn/spi"
)

// Bus is the register transport to the radio. WriteReg with several values
// is a single burst transaction starting at reg; the chip advances the
// address for every register except RegFifo.
type Bus interface {
	ReadReg(reg Register) (byte, error)
	WriteReg(reg Register, values ...byte) error
	ReadBurst(reg Register, n int) ([]byte, error)
}

// SPIBus is a Bus over a periph SPI connection.
type SPIBus struct {
	conn spi.Conn
}

// NewSPIBus wraps conn, which must already be configured for mode 0, 8 bits.
func NewSPIBus(conn spi.Conn) *SPIBus {
	return &SPIBus{conn: conn}
}

// ReadReg reads one register.
func (b *SPIBus) ReadReg(reg Register) (byte, error) {
	var r [2]byte
	if err := b.conn.Tx([]byte{byte(reg) & 0x7f, 0}, r[:]); err != nil {
		return 0, fmt.Errorf("sx1276: read 0x%02x: %w", byte(reg), err)
	}
	return r[1], nil
}

// WriteReg writes values in one transaction starting at reg.
func (b *SPIBus) WriteReg(reg Register, values ...byte) error {
	w := make([]byte, len(values)+1)
	w[0] = byte(reg) | 0x80
	copy(w[1:], values)
	r := make([]byte, len(w))
	if err := b.conn.Tx(w, r); err != nil {
		return fmt.Errorf("sx1276: write 0x%02x: %w", byte(reg), err)
	}
	return nil
}

// ReadBurst reads n bytes in one transaction starting at reg.
func (b *SPIBus) ReadBurst(reg Register, n int) ([]byte, error) {
	w := make([]byte, n+1)
	w[0] = byte(reg) & 0x7f
	r := make([]byte, n+1)
	if err := b.conn.Tx(w, r); err != nil {
		return nil, fmt.Errorf("sx1276: burst read 0x%02x: %w", byte(reg), err)
	}
	return r[1:], nil
}
