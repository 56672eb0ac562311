// Package sx1276 drives a Semtech SX1276/77/78/79 radio in LoRa mode over a
// register bus. It knows register addresses and bitfields; it holds no
// receive or transmit policy.
package sx1276

// Register is the address of an SX1276 LoRa-mode register.
type Register byte

const (
	RegFifo            Register = 0x00
	RegOpMode          Register = 0x01
	RegFrfMsb          Register = 0x06
	RegFrfMid          Register = 0x07
	RegFrfLsb          Register = 0x08
	RegPaConfig        Register = 0x09
	RegOcp             Register = 0x0B
	RegLna             Register = 0x0C
	RegFifoAddrPtr     Register = 0x0D
	RegFifoTxBaseAddr  Register = 0x0E
	RegFifoRxBaseAddr  Register = 0x0F
	RegFifoRxCurrent   Register = 0x10
	RegIrqFlagsMask    Register = 0x11
	RegIrqFlags        Register = 0x12
	RegRxNbBytes       Register = 0x13
	RegPktSnrValue     Register = 0x19
	RegPktRssiValue    Register = 0x1A
	RegRssiValue       Register = 0x1B
	RegModemConfig1    Register = 0x1D
	RegModemConfig2    Register = 0x1E
	RegSymbTimeoutLsb  Register = 0x1F
	RegPreambleMsb     Register = 0x20
	RegPreambleLsb     Register = 0x21
	RegPayloadLength   Register = 0x22
	RegMaxPayload      Register = 0x23
	RegHopPeriod       Register = 0x24
	RegModemConfig3    Register = 0x26
	RegDetectOptimize  Register = 0x31
	RegInvertIQ        Register = 0x33
	RegDetectThreshold Register = 0x37
	RegSyncWord        Register = 0x39
	RegInvertIQ2       Register = 0x3B
	RegDioMapping1     Register = 0x40
	RegDioMapping2     Register = 0x41
	RegVersion         Register = 0x42
	RegPaDac           Register = 0x4D
)

// ChipVersion is the RegVersion value of an SX1276.
const ChipVersion = 0x12

// Mode is the low three bits of RegOpMode.
type Mode byte

const (
	ModeSleep        Mode = 0x00
	ModeStandby      Mode = 0x01
	ModeFSTX         Mode = 0x02
	ModeTX           Mode = 0x03
	ModeFSRX         Mode = 0x04
	ModeRXContinuous Mode = 0x05
	ModeRXSingle     Mode = 0x06
	ModeCAD          Mode = 0x07

	modeMask = 0x07
	// opModeLoRa selects long range mode, only writable in sleep.
	opModeLoRa = 0x80
	// opModeLF selects the low frequency register bank, below 525 MHz.
	opModeLF = 0x08
)

var modeNames = [...]string{"SLEEP", "STANDBY", "FSTX", "TX", "FSRX", "RXCONT", "RXSINGLE", "CAD"}

func (m Mode) String() string {
	return modeNames[m&modeMask]
}

// IRQ flag bits of RegIrqFlags and RegIrqFlagsMask. Flags clear by writing 1.
const (
	IRQRxTimeout     byte = 0x80
	IRQRxDone        byte = 0x40
	IRQPayloadCRCErr byte = 0x20
	IRQValidHeader   byte = 0x10
	IRQTxDone        byte = 0x08
	IRQCADDone       byte = 0x04
	IRQFHSSChange    byte = 0x02
	IRQCADDetected   byte = 0x01

	IRQAll byte = 0xFF
)

// DIO pin mappings in RegDioMapping1.
const (
	dio0RxDone     = 0x00
	dio0TxDone     = 0x40
	dio0CADDone    = 0x80
	dio0None       = 0xC0
	dio1RxTimeout  = 0x00
	dio1CADDetect  = 0x20
	dio1None       = 0x30
	dio2FHSSChange = 0x00
	dio2None       = 0x0C
)

// Register values that have no other home.
const (
	lnaMaxGain       = 0x23 // G1, boost on
	paBoost          = 0x80
	paDacDefault     = 0x84
	paDacHighPower   = 0x87
	ocpDefault       = 0x2B // 100 mA
	ocpHighPower     = 0x3B // 240 mA
	invertIQRxNormal = 0x27
	invertIQTxInvert = 0x66 // I and Q inverted on transmit
	invertIQ2Normal  = 0x1D
	invertIQ2Invert  = 0x19
	detectOptSF6     = 0x05
	detectOptSF7     = 0x03
	detectThreshSF6  = 0x0C
	detectThreshSF7  = 0x0A
	maxPayload       = 0x80
	fifoSize         = 256
)

// Frequency synthesizer constants: Frf = f * 2^19 / Fxosc.
const (
	xtalFreq   = 32000000
	frfShift   = 19
	lfBandEdge = 525000000
)
