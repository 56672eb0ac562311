package models

// Location represents a geographic location
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Altitude  int     `json:"altitude" yaml:"altitude"`
}

// Counters are the aggregate gateway statistics. They only grow until an
// explicit reset; Boots and Resets survive resets.
type Counters struct {
	RxOK      uint64     `json:"rxOK" db:"rx_ok"`
	CRCErrors uint64     `json:"crcErrors" db:"crc_errors"`
	TxOK      uint64     `json:"txOK" db:"tx_ok"`
	TxFailed  uint64     `json:"txFailed" db:"tx_failed"`
	PerSF     [13]uint64 `json:"-"`
	Boots     uint64     `json:"boots" db:"boots"`
	Resets    uint64     `json:"resets" db:"resets"`
}

// SF returns the packet count for spreading factor sf.
func (c Counters) SF(sf uint8) uint64 {
	if int(sf) >= len(c.PerSF) {
		return 0
	}
	return c.PerSF[sf]
}

// RxTotal is the number of frames the radio delivered, valid or not.
func (c Counters) RxTotal() uint64 {
	return c.RxOK + c.CRCErrors
}

// ChangeKind identifies a management change.
type ChangeKind uint8

const (
	ChangeResetStatistics ChangeKind = iota + 1
	ChangeSpreadingFactor
	ChangeFrequency
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeResetStatistics:
		return "reset"
	case ChangeSpreadingFactor:
		return "spreading_factor"
	case ChangeFrequency:
		return "frequency"
	}
	return "unknown"
}

// ConfigChange is a runtime reconfiguration request.
type ConfigChange struct {
	Kind            ChangeKind `json:"kind"`
	SpreadingFactor uint8      `json:"spreadingFactor,omitempty"`
	Frequency       uint32     `json:"frequency,omitempty"`
}
