package radio

import (
	"errors"
	"fmt"
)

var (
	// ErrMissedWindow means the corrected fire time is already past.
	ErrMissedWindow = errors.New("radio: transmit window missed")
	// ErrTooEarly means the fire time lies further ahead than allowed.
	ErrTooEarly = errors.New("radio: transmit time too far ahead")
)

// Corrector maps server timestamps onto the local µs clock. Offset is a
// calibrated per-board constant added to every requested time to account
// for the radio's TX ramp-up.
type Corrector struct {
	// Offset in µs, applied to the requested timestamp.
	Offset int32 `yaml:"offset"`
	// Lead in µs before the fire time at which the radio is prepared. The
	// transmitter itself is keyed at the fire time, never after it.
	Lead uint32 `yaml:"lead"`
	// MaxLead in µs bounds how far ahead a fire time may be. Zero disables.
	MaxLead uint32 `yaml:"max_lead"`
}

// DefaultCorrector has no offset, a 2 ms preparation lead and a 3 s lead limit.
var DefaultCorrector = Corrector{
	Lead:    2000,
	MaxLead: 3000000,
}

// FireAt returns the local time to start transmitting a frame that the
// server wants on air at tmst, evaluated at now. A fire time already in
// the past fails with ErrMissedWindow.
func (c Corrector) FireAt(tmst, now uint32) (uint32, error) {
	fire := tmst + uint32(c.Offset)
	lead := Diff(fire, now)
	if lead < 0 {
		return fire, fmt.Errorf("%w by %d µs", ErrMissedWindow, -lead)
	}
	if c.MaxLead > 0 && lead > int32(c.MaxLead) {
		return fire, fmt.Errorf("%w: %d µs ahead", ErrTooEarly, lead)
	}
	return fire, nil
}

// Due reports whether the radio should be prepared at now for a frame
// firing at fire, which is the case within Lead of it. Once now is past
// fire it fails with ErrMissedWindow.
func (c Corrector) Due(fire, now uint32) (bool, error) {
	left := Diff(fire, now)
	if left < 0 {
		return false, fmt.Errorf("%w by %d µs", ErrMissedWindow, -left)
	}
	return left <= int32(c.Lead), nil
}

// PrepareAt is the time the radio is prepared for a frame firing at fire.
func (c Corrector) PrepareAt(fire uint32) uint32 {
	return fire - c.Lead
}

// Until returns the µs left before fire, zero when due.
func (c Corrector) Until(fire, now uint32) uint32 {
	d := Diff(fire, now)
	if d <= 0 {
		return 0
	}
	return uint32(d)
}
