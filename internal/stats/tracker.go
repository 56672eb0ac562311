// Package stats keeps the gateway's aggregate counters and a bounded
// history of recently received packets.
package stats

import (
	"sync"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

// DefaultHistorySize is the number of packets kept when none is configured.
const DefaultHistorySize = 20

// Tracker is safe for concurrent use. The radio loop records while the
// API and forwarder read.
type Tracker struct {
	mu       sync.Mutex
	history  []models.PacketSummary
	next     int
	full     bool
	counters models.Counters
	// forwarded counts uplinks relayed to at least one server.
	forwarded uint64
}

// NewTracker returns a tracker keeping the last capacity packets.
func NewTracker(capacity int) *Tracker {
	if capacity < 1 {
		capacity = DefaultHistorySize
	}
	return &Tracker{history: make([]models.PacketSummary, capacity)}
}

// Record counts a valid packet and adds it to the history, evicting the
// oldest entry when full.
func (t *Tracker) Record(pkt *models.ReceivedPacket) {
	summary := pkt.Summary()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.RxOK++
	if sf := pkt.Channel.SpreadingFactor; int(sf) < len(t.counters.PerSF) {
		t.counters.PerSF[sf]++
	}
	t.history[t.next] = summary
	t.next = (t.next + 1) % len(t.history)
	if t.next == 0 {
		t.full = true
	}
}

// RecordCRCError counts a frame dropped for a bad CRC.
func (t *Tracker) RecordCRCError() {
	t.mu.Lock()
	t.counters.CRCErrors++
	t.mu.Unlock()
}

// RecordTx counts a downlink outcome.
func (t *Tracker) RecordTx(ok bool) {
	t.mu.Lock()
	if ok {
		t.counters.TxOK++
	} else {
		t.counters.TxFailed++
	}
	t.mu.Unlock()
}

// RecordForwarded counts an uplink handed to the network.
func (t *Tracker) RecordForwarded() {
	t.mu.Lock()
	t.forwarded++
	t.mu.Unlock()
}

// Forwarded returns the relayed uplink count.
func (t *Tracker) Forwarded() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forwarded
}

// Boot counts a gateway start.
func (t *Tracker) Boot() {
	t.mu.Lock()
	t.counters.Boots++
	t.mu.Unlock()
}

// Reset zeroes the traffic counters and the history. Boot and reset
// counts are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = models.Counters{
		Boots:  t.counters.Boots,
		Resets: t.counters.Resets + 1,
	}
	t.forwarded = 0
	for i := range t.history {
		t.history[i] = models.PacketSummary{}
	}
	t.next = 0
	t.full = false
}

// Restore loads persisted counters, typically once at boot.
func (t *Tracker) Restore(c models.Counters) {
	t.mu.Lock()
	t.counters = c
	t.mu.Unlock()
}

// Counters returns a copy of the aggregate counters.
func (t *Tracker) Counters() models.Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Len returns the number of packets in the history.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.history)
	}
	return t.next
}

// Cap returns the history capacity.
func (t *Tracker) Cap() int {
	return len(t.history)
}

// History returns the recorded packets, oldest first.
func (t *Tracker) History() []models.PacketSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]models.PacketSummary(nil), t.history[:t.next]...)
	}
	out := make([]models.PacketSummary, 0, len(t.history))
	out = append(out, t.history[t.next:]...)
	return append(out, t.history[:t.next]...)
}

// Recent returns at most n packets, newest first.
func (t *Tracker) Recent(n int) []models.PacketSummary {
	h := t.History()
	if n <= 0 || n > len(h) {
		n = len(h)
	}
	out := make([]models.PacketSummary, n)
	for i := range out {
		out[i] = h[len(h)-1-i]
	}
	return out
}
