package radio

import (
	"errors"
	"fmt"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

// MinHopChannels is the shortest hop sequence accepted.
const MinHopChannels = 3

var ErrTooFewChannels = errors.New("radio: hopping needs at least 3 distinct channels")

// DistinctFrequencies counts the different frequencies in channels.
func DistinctFrequencies(channels []models.Channel) int {
	seen := make(map[uint32]struct{}, len(channels))
	for _, ch := range channels {
		seen[ch.Frequency] = struct{}{}
	}
	return len(seen)
}

func checkHopChannels(channels []models.Channel, enabled bool) error {
	if len(channels) == 0 {
		return ErrTooFewChannels
	}
	if n := DistinctFrequencies(channels); enabled && n < MinHopChannels {
		return fmt.Errorf("%w: got %d", ErrTooFewChannels, n)
	}
	return nil
}

// Hopper cycles through a fixed channel list at a fixed period.
type Hopper struct {
	channels []models.Channel
	index    int
	period   uint32
	deadline uint32
	enabled  bool
}

// NewHopper returns a hopper on channels[0]. With enabled false it never
// advances and a single channel is enough.
func NewHopper(channels []models.Channel, period uint32, enabled bool) (*Hopper, error) {
	if err := checkHopChannels(channels, enabled); err != nil {
		return nil, err
	}
	return &Hopper{
		channels: append([]models.Channel(nil), channels...),
		period:   period,
		enabled:  enabled,
	}, nil
}

// Start arms the first hop deadline.
func (h *Hopper) Start(now uint32) {
	h.deadline = now + h.period
}

// Enabled reports whether the hopper advances.
func (h *Hopper) Enabled() bool {
	return h.enabled
}

// Current returns the active channel and its index.
func (h *Hopper) Current() (models.Channel, int) {
	return h.channels[h.index], h.index
}

// Channels returns a copy of the hop sequence.
func (h *Hopper) Channels() []models.Channel {
	return append([]models.Channel(nil), h.channels...)
}

// Due reports whether the dwell on the current channel has run out.
func (h *Hopper) Due(now uint32) bool {
	return h.enabled && Reached(now, h.deadline)
}

// Advance moves to the next channel and re-arms the deadline.
func (h *Hopper) Advance(now uint32) (models.Channel, int) {
	h.index = (h.index + 1) % len(h.channels)
	h.deadline = now + h.period
	return h.channels[h.index], h.index
}

// Replace swaps the channel list and restarts from its first entry.
func (h *Hopper) Replace(channels []models.Channel, enabled bool, now uint32) error {
	if err := checkHopChannels(channels, enabled); err != nil {
		return err
	}
	h.channels = append(h.channels[:0:0], channels...)
	h.index = 0
	h.enabled = enabled
	h.deadline = now + h.period
	return nil
}

// Update rewrites every channel with fn, keeping the position.
func (h *Hopper) Update(fn func(*models.Channel)) {
	for i := range h.channels {
		fn(&h.channels[i])
	}
}
