package sx1276

import "sync"

// Write is one logged bus write transaction.
type Write struct {
	Reg    Register
	Values []byte
}

// RegisterFile is an in-memory Bus that behaves like the chip's register
// map: FIFO access goes through RegFifoAddrPtr, IRQ flags clear on write
// and bursts auto-increment. It backs the simulated radio driver and tests.
type RegisterFile struct {
	mu     sync.Mutex
	regs   [0x80]byte
	fifo   [fifoSize]byte
	writes []Write
	rssi   byte
}

// NewRegisterFile returns a register file holding the chip's reset values.
func NewRegisterFile() *RegisterFile {
	f := &RegisterFile{}
	f.regs[RegOpMode] = byte(ModeStandby)
	f.regs[RegFrfMsb] = 0x6C
	f.regs[RegFrfMid] = 0x80
	f.regs[RegLna] = 0x20
	f.regs[RegFifoTxBaseAddr] = 0x80
	f.regs[RegModemConfig1] = 0x72
	f.regs[RegModemConfig2] = 0x70
	f.regs[RegSyncWord] = 0x12
	f.regs[RegVersion] = ChipVersion
	return f
}

// ReadReg implements Bus.
func (f *RegisterFile) ReadReg(reg Register) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(reg), nil
}

// WriteReg implements Bus.
func (f *RegisterFile) WriteReg(reg Register, values ...byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, Write{Reg: reg, Values: append([]byte(nil), values...)})
	addr := reg
	for _, v := range values {
		switch addr {
		case RegFifo:
			ptr := f.regs[RegFifoAddrPtr]
			f.fifo[ptr] = v
			f.regs[RegFifoAddrPtr] = ptr + 1
		case RegIrqFlags:
			f.regs[RegIrqFlags] &^= v
		case RegVersion:
		default:
			f.regs[addr&0x7f] = v
		}
		if addr != RegFifo {
			addr++
		}
	}
	return nil
}

// ReadBurst implements Bus.
func (f *RegisterFile) ReadBurst(reg Register, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	addr := reg
	for i := range out {
		out[i] = f.read(addr)
		if addr != RegFifo {
			addr++
		}
	}
	return out, nil
}

func (f *RegisterFile) read(reg Register) byte {
	switch reg {
	case RegFifo:
		ptr := f.regs[RegFifoAddrPtr]
		f.regs[RegFifoAddrPtr] = ptr + 1
		return f.fifo[ptr]
	case RegRssiValue:
		return f.rssi
	}
	return f.regs[reg&0x7f]
}

// Get returns a register without side effects.
func (f *RegisterFile) Get(reg Register) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[reg&0x7f]
}

// RaiseIRQ sets IRQ flags the way the chip would.
func (f *RegisterFile) RaiseIRQ(flags byte) {
	f.mu.Lock()
	f.regs[RegIrqFlags] |= flags
	f.mu.Unlock()
}

// SetRSSI sets the raw value returned by RegRssiValue.
func (f *RegisterFile) SetRSSI(raw byte) {
	f.mu.Lock()
	f.rssi = raw
	f.mu.Unlock()
}

// LoadPacket places payload in the FIFO at the RX base address together
// with its raw packet RSSI and SNR registers.
func (f *RegisterFile) LoadPacket(payload []byte, pktRSSI byte, pktSNR int8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := f.regs[RegFifoRxBaseAddr]
	for i, b := range payload {
		f.fifo[base+byte(i)] = b
	}
	f.regs[RegFifoRxCurrent] = base
	f.regs[RegRxNbBytes] = byte(len(payload))
	f.regs[RegPktRssiValue] = pktRSSI
	f.regs[RegPktSnrValue] = byte(pktSNR)
}

// FIFO returns n bytes of FIFO memory starting at addr.
func (f *RegisterFile) FIFO(addr byte, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = f.fifo[addr+byte(i)]
	}
	return out
}

// Writes returns the logged write transactions.
func (f *RegisterFile) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// ResetWrites clears the write log.
func (f *RegisterFile) ResetWrites() {
	f.mu.Lock()
	f.writes = nil
	f.mu.Unlock()
}
