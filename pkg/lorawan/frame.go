package lorawan

import "errors"

// ErrShortFrame is returned when a frame is too short to hold the requested field.
var ErrShortFrame = errors.New("lorawan: frame too short")

// minDataFrame is MHDR + DevAddr + FCtrl + FCnt + MIC.
const minDataFrame = 1 + 4 + 1 + 2 + 4

// Frame is a shallow view over a received PHYPayload. The gateway never
// decrypts or verifies frames; it only extracts what it logs and displays.
type Frame struct {
	MHDR    MHDR
	DevAddr DevAddr
	FCnt    uint16
	Raw     []byte
}

// ParseMHDR decodes the first byte of a PHYPayload.
func ParseMHDR(b byte) MHDR {
	return MHDR{
		MType: MType(b >> 5),
		Major: Major(b & 0x03),
	}
}

// ParseFrame extracts the header fields of a PHYPayload. Non-data frames
// yield a Frame with a zero DevAddr.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < 1 {
		return Frame{}, ErrShortFrame
	}
	f := Frame{MHDR: ParseMHDR(data[0]), Raw: data}
	if !f.MHDR.MType.IsData() {
		return f, nil
	}
	if len(data) < minDataFrame {
		return f, ErrShortFrame
	}
	// DevAddr and FCnt travel little-endian
	f.DevAddr = DevAddr{data[4], data[3], data[2], data[1]}
	f.FCnt = uint16(data[6]) | uint16(data[7])<<8
	return f, nil
}
