package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return e.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText accepts 16 hex digits, optionally separated by ':' or '-'.
func (e *EUI64) UnmarshalText(text []byte) error {
	s := strings.NewReplacer(":", "", "-", "").Replace(string(text))
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid EUI64 %q: %w", text, err)
	}
	if len(b) != 8 {
		return fmt.Errorf("invalid EUI64 length %d", len(b))
	}
	copy(e[:], b)
	return nil
}

// IsZero reports whether the EUI is all zeroes.
func (e EUI64) IsZero() bool {
	return e == EUI64{}
}

// DevAddr represents a 4-byte device address in display (big-endian) order
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON implements json.Marshaler
func (d DevAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid DevAddr %q: %w", text, err)
	}
	if len(b) != 4 {
		return fmt.Errorf("invalid DevAddr length %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

var mtypeNames = [...]string{
	"JoinRequest", "JoinAccept", "UnconfirmedDataUp", "UnconfirmedDataDown",
	"ConfirmedDataUp", "ConfirmedDataDown", "RFU", "Proprietary",
}

func (m MType) String() string {
	if int(m) < len(mtypeNames) {
		return mtypeNames[m]
	}
	return fmt.Sprintf("MType(%d)", byte(m))
}

// IsData reports whether frames of this type carry a frame header.
func (m MType) IsData() bool {
	return m >= UnconfirmedDataUp && m <= ConfirmedDataDown
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWAN1_0 Major = 0
	LoRaWAN1_1 Major = 1
)

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}
