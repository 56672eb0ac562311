package radio

import (
	"fmt"
	"sync/atomic"
)

// Line is a bitmask of radio DIO lines.
type Line uint32

const (
	DIO0 Line = 1 << iota
	DIO1
	DIO2
)

// ReentryPolicy decides what happens to a signal that arrives while
// another signal is still being recorded.
type ReentryPolicy uint8

const (
	// ReentryDrop discards the nested signal.
	ReentryDrop ReentryPolicy = iota
	// ReentryQueueOne keeps one nested signal and replays it on exit.
	ReentryQueueOne
)

// ParseReentryPolicy parses "drop" or "queue".
func ParseReentryPolicy(s string) (ReentryPolicy, error) {
	switch s {
	case "", "drop":
		return ReentryDrop, nil
	case "queue", "queue_one":
		return ReentryQueueOne, nil
	}
	return 0, fmt.Errorf("unknown reentry policy %q", s)
}

func (p ReentryPolicy) String() string {
	if p == ReentryQueueOne {
		return "queue"
	}
	return "drop"
}

// Interrupts is the hand-off between DIO edge sources and the control loop.
// Signal never blocks and never touches the radio; the loop collects lines
// with Take. A Signal that overlaps another is a collision and is handled
// per the reentry policy.
type Interrupts struct {
	policy ReentryPolicy
	busy   atomic.Bool
	// pending and queued pack the arrival stamp in the high 32 bits and
	// the lines in the low 32, so both change together.
	pending atomic.Uint64
	queued  atomic.Uint64

	collisions atomic.Uint64
	dropped    atomic.Uint64

	notify chan struct{}
}

// NewInterrupts returns an empty interrupt register.
func NewInterrupts(policy ReentryPolicy) *Interrupts {
	return &Interrupts{
		policy: policy,
		notify: make(chan struct{}, 1),
	}
}

// Signal records that lines fired at µs time now.
func (i *Interrupts) Signal(lines Line, now uint32) {
	if lines == 0 {
		return
	}
	if !i.enter() {
		i.collisions.Add(1)
		if i.policy == ReentryQueueOne && i.queued.CompareAndSwap(0, pack(lines, now)) {
			return
		}
		i.dropped.Add(1)
		return
	}
	i.record(pack(lines, now))
	i.exit()
}

func pack(lines Line, stamp uint32) uint64 {
	return uint64(stamp)<<32 | uint64(lines)
}

func unpack(v uint64) (Line, uint32) {
	return Line(uint32(v)), uint32(v >> 32)
}

func (i *Interrupts) enter() bool {
	return i.busy.CompareAndSwap(false, true)
}

// exit releases the guard and replays a queued signal with its own stamp.
func (i *Interrupts) exit() {
	for {
		i.busy.Store(false)
		q := i.queued.Swap(0)
		if q == 0 || !i.enter() {
			if q != 0 {
				// another signal took the guard, it owns the replay
				i.queued.CompareAndSwap(0, q)
			}
			break
		}
		i.record(q)
	}
	select {
	case i.notify <- struct{}{}:
	default:
	}
}

// record ORs the lines of sig into pending. The first signal after a Take
// sets the stamp.
func (i *Interrupts) record(sig uint64) {
	lines, stamp := unpack(sig)
	for {
		old := i.pending.Load()
		pending, first := unpack(old)
		if pending == 0 {
			first = stamp
		}
		if i.pending.CompareAndSwap(old, pack(pending|lines, first)) {
			return
		}
	}
}

// Take returns and clears the pending lines and the time of the first
// signal since the last Take.
func (i *Interrupts) Take() (Line, uint32) {
	return unpack(i.pending.Swap(0))
}

// Notify is signalled after each recorded interrupt.
func (i *Interrupts) Notify() <-chan struct{} {
	return i.notify
}

// Collisions counts signals that arrived while another was being recorded.
func (i *Interrupts) Collisions() uint64 {
	return i.collisions.Load()
}

// Dropped counts colliding signals that were discarded.
func (i *Interrupts) Dropped() uint64 {
	return i.dropped.Load()
}
