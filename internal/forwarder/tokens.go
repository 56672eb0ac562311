package forwarder

import (
	"math/rand"
	"sync"
	"time"
)

type pendingToken struct {
	ack  Type
	sent time.Time
}

// TokenTable correlates PUSH_DATA and PULL_DATA tokens with their
// acknowledgements.
type TokenTable struct {
	mu      sync.Mutex
	pending map[uint16]pendingToken
	ttl     time.Duration

	sent    uint64
	acked   uint64
	unknown uint64
}

// NewTokenTable returns a table whose entries expire after ttl.
func NewTokenTable(ttl time.Duration) *TokenTable {
	return &TokenTable{
		pending: make(map[uint16]pendingToken),
		ttl:     ttl,
	}
}

// Issue returns a fresh token for a request of type t.
func (tt *TokenTable) Issue(t Type, now time.Time) uint16 {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	token := uint16(rand.Uint32())
	for i := 0; i < 8; i++ {
		if _, busy := tt.pending[token]; !busy {
			break
		}
		token = uint16(rand.Uint32())
	}

	ack := TypePullAck
	if t == TypePushData {
		ack = TypePushAck
	}
	tt.pending[token] = pendingToken{ack: ack, sent: now}
	if t == TypePushData {
		tt.sent++
	}
	return token
}

// Ack matches an acknowledgement. Unknown tokens, or tokens acked with the
// wrong type, are counted and ignored.
func (tt *TokenTable) Ack(t Type, token uint16, now time.Time) (time.Duration, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	p, ok := tt.pending[token]
	if !ok || p.ack != t {
		tt.unknown++
		return 0, false
	}
	delete(tt.pending, token)
	if t == TypePushAck {
		tt.acked++
	}
	return now.Sub(p.sent), true
}

// Expire drops entries older than the ttl and returns how many went
// unanswered.
func (tt *TokenTable) Expire(now time.Time) int {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	n := 0
	for token, p := range tt.pending {
		if now.Sub(p.sent) > tt.ttl {
			delete(tt.pending, token)
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding tokens.
func (tt *TokenTable) Pending() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.pending)
}

// Unknown returns the number of ignored acknowledgements.
func (tt *TokenTable) Unknown() uint64 {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.unknown
}

// TakeAckRatio returns the percentage of PUSH_DATA acknowledged since the
// previous call and starts a new window. An empty window reports 0.
func (tt *TokenTable) TakeAckRatio() float64 {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	var ratio float64
	if tt.sent > 0 {
		ratio = float64(tt.acked) * 100 / float64(tt.sent)
	}
	tt.sent, tt.acked = 0, 0
	return ratio
}
