package radio

// Threshold is one (RSSI level, settle time) pair.
type Threshold struct {
	// RSSI in dBm.
	RSSI int16 `yaml:"rssi"`
	// Wait is the settle time in µs before a reading counts.
	Wait uint32 `yaml:"wait"`
}

// DetectorConfig holds the two hysteresis pairs for channel activity.
type DetectorConfig struct {
	Up   Threshold `yaml:"up"`
	Down Threshold `yaml:"down"`
}

// DefaultDetectorConfig matches the classic single channel gateway limits
// of raw 39 and 34 above the high band floor.
var DefaultDetectorConfig = DetectorConfig{
	Up:   Threshold{RSSI: -118, Wait: 250},
	Down: Threshold{RSSI: -123, Wait: 225},
}

// ActivityDetector declares a channel busy once RSSI reaches Up.RSSI with
// at least Up.Wait µs elapsed, and idle once RSSI falls to Down.RSSI with
// at least Down.Wait µs elapsed. Any other reading keeps the last verdict.
type ActivityDetector struct {
	cfg  DetectorConfig
	busy bool
}

// NewActivityDetector returns an idle detector.
func NewActivityDetector(cfg DetectorConfig) *ActivityDetector {
	return &ActivityDetector{cfg: cfg}
}

// Observe feeds one RSSI reading taken elapsed µs after the window opened
// and returns the current verdict.
func (d *ActivityDetector) Observe(rssi int16, elapsed uint32) bool {
	switch {
	case rssi >= d.cfg.Up.RSSI && elapsed >= d.cfg.Up.Wait:
		d.busy = true
	case rssi <= d.cfg.Down.RSSI && elapsed >= d.cfg.Down.Wait:
		d.busy = false
	}
	return d.busy
}

// Busy returns the last verdict.
func (d *ActivityDetector) Busy() bool {
	return d.busy
}

// Reset forgets the last verdict.
func (d *ActivityDetector) Reset() {
	d.busy = false
}
