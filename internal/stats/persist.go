package stats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/storage"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

const packetQueue = 64

// Store is the subset of storage.Store the persister writes to.
type Store interface {
	LoadCounters(ctx context.Context, gatewayID lorawan.EUI64) (models.Counters, error)
	SaveCounters(ctx context.Context, gatewayID lorawan.EUI64, counters models.Counters) error
	SavePacket(ctx context.Context, gatewayID lorawan.EUI64, packet *models.PacketSummary) error
	PrunePackets(ctx context.Context, gatewayID lorawan.EUI64, keep int) (int64, error)
}

// Persister mirrors a Tracker into a Store: counters on every flush and
// packets as they arrive, off the radio loop.
type Persister struct {
	tracker  *Tracker
	store    Store
	gateway  lorawan.EUI64
	interval time.Duration
	keep     int
	packets  chan models.PacketSummary
	dropped  atomic.Uint64
}

// NewPersister flushes every interval and keeps the newest keep packets.
func NewPersister(tracker *Tracker, store Store, gateway lorawan.EUI64, interval time.Duration, keep int) *Persister {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Persister{
		tracker:  tracker,
		store:    store,
		gateway:  gateway,
		interval: interval,
		keep:     keep,
		packets:  make(chan models.PacketSummary, packetQueue),
	}
}

// Restore loads the persisted counters into the tracker. A gateway without
// stored counters starts from zero.
func (p *Persister) Restore(ctx context.Context) error {
	c, err := p.store.LoadCounters(ctx, p.gateway)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load counters: %w", err)
	}
	p.tracker.Restore(c)
	log.Info().
		Uint64("boots", c.Boots).
		Uint64("resets", c.Resets).
		Uint64("rx_ok", c.RxOK).
		Msg("Statistics restored")
	return nil
}

// Enqueue queues a packet for storage. Packets are dropped when the
// queue is full.
func (p *Persister) Enqueue(pkt *models.ReceivedPacket) {
	select {
	case p.packets <- pkt.Summary():
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of packets that never reached the store.
func (p *Persister) Dropped() uint64 {
	return p.dropped.Load()
}

// Flush writes the current counters and trims the stored history.
func (p *Persister) Flush(ctx context.Context) error {
	if err := p.store.SaveCounters(ctx, p.gateway, p.tracker.Counters()); err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	if p.keep > 0 {
		if _, err := p.store.PrunePackets(ctx, p.gateway, p.keep); err != nil {
			return fmt.Errorf("prune packets: %w", err)
		}
	}
	return nil
}

// Run stores queued packets and flushes periodically until ctx is done,
// then flushes once more.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return p.Flush(final)
		case s := <-p.packets:
			if err := p.store.SavePacket(ctx, p.gateway, &s); err != nil {
				log.Error().Err(err).Msg("Failed to store packet")
			}
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to flush statistics")
			}
		}
	}
}

func (p *Persister) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case s := <-p.packets:
			if err := p.store.SavePacket(ctx, p.gateway, &s); err != nil {
				log.Error().Err(err).Msg("Failed to store packet")
				return
			}
		default:
			return
		}
	}
}
