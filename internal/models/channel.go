package models

import "fmt"

// Channel is one (frequency, modulation) pair the radio can listen on.
type Channel struct {
	Frequency       uint32 `json:"frequency" yaml:"frequency"`
	SpreadingFactor uint8  `json:"spreadingFactor" yaml:"spreading_factor"`
	Bandwidth       uint32 `json:"bandwidth" yaml:"bandwidth"`     // Hz
	CodingRate      uint8  `json:"codingRate" yaml:"coding_rate"` // 1..4 for 4/5..4/8
}

// DataRate returns the Semtech datr identifier, e.g. "SF7BW125".
func (c Channel) DataRate() string {
	return fmt.Sprintf("SF%dBW%d", c.SpreadingFactor, c.Bandwidth/1000)
}

// CodingRateString returns the Semtech codr identifier, e.g. "4/5".
func (c Channel) CodingRateString() string {
	return fmt.Sprintf("4/%d", c.CodingRate+4)
}

func (c Channel) String() string {
	return fmt.Sprintf("%.3fMHz %s", float64(c.Frequency)/1e6, c.DataRate())
}
