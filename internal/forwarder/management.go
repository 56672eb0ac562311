package forwarder

import (
	"fmt"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

// Resetter clears gateway statistics.
type Resetter interface {
	Reset()
}

// Router dispatches management changes: statistics resets go to the
// tracker, radio changes to the radio.
type Router struct {
	radio    Controller
	stats    Resetter
	onChange func(models.ConfigChange)
}

// NewRouter returns a Router. onChange, if set, sees every accepted change.
func NewRouter(radio Controller, stats Resetter, onChange func(models.ConfigChange)) *Router {
	return &Router{radio: radio, stats: stats, onChange: onChange}
}

// Apply implements Controller.
func (r *Router) Apply(change models.ConfigChange) error {
	switch change.Kind {
	case models.ChangeResetStatistics:
		r.stats.Reset()
	case models.ChangeSpreadingFactor, models.ChangeFrequency:
		if err := r.radio.Apply(change); err != nil {
			return err
		}
	default:
		return fmt.Errorf("forwarder: unknown change kind %d", change.Kind)
	}
	if r.onChange != nil {
		r.onChange(change)
	}
	return nil
}
