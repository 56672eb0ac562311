package radio

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/periph/conn/gpio"
)

// EdgeSource is an input pin armed for rising edges. gpio.PinIn satisfies it.
type EdgeSource interface {
	WaitForEdge(timeout time.Duration) bool
	Read() gpio.Level
}

// edgePoll bounds each wait so cancellation is noticed.
const edgePoll = 100 * time.Millisecond

// WatchDIO signals lines on irq for every rising edge on pin until ctx is
// done. Boards that wire several DIO outputs to one pin pass their union.
func WatchDIO(ctx context.Context, pin EdgeSource, lines Line, irq *Interrupts, clock Clock) {
	log.Debug().Uint32("lines", uint32(lines)).Msg("DIO watcher started")
	// drain edges latched before the radio was configured
	for pin.WaitForEdge(0) {
	}
	for ctx.Err() == nil {
		// DIO lines stay high until the flags are cleared, so a missed
		// edge is caught by the level check after the timeout
		pin.WaitForEdge(edgePoll)
		if pin.Read() == gpio.High {
			irq.Signal(lines, clock.Micros())
		}
	}
	log.Debug().Uint32("lines", uint32(lines)).Msg("DIO watcher stopped")
}
