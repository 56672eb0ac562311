// Package events publishes gateway activity (uplinks, downlink outcomes,
// status reports and management changes) to NATS, MQTT and in-process
// subscribers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

// Publisher delivers events to one transport.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
	Close() error
}

var suffixes = map[models.EventType]string{
	models.EventTypeUplink:       "rx",
	models.EventTypeDownlink:     "tx",
	models.EventTypeTxAck:        "txack",
	models.EventTypeGatewayStats: "stat",
	models.EventTypeManagement:   "mgmt",
	models.EventTypeBoot:         "boot",
}

// Suffix is the last subject or topic segment for an event type.
func Suffix(t models.EventType) string {
	if s, ok := suffixes[t]; ok {
		return s
	}
	return "event"
}

// Dispatcher fans events out to every publisher and to local subscribers.
// Slow subscribers lose events instead of blocking the caller.
type Dispatcher struct {
	publishers []Publisher
	timeout    time.Duration

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan models.Event
}

// NewDispatcher returns a dispatcher over publishers.
func NewDispatcher(publishers ...Publisher) *Dispatcher {
	return &Dispatcher{
		publishers: publishers,
		timeout:    5 * time.Second,
		subs:       make(map[int]chan models.Event),
	}
}

// Publish hands ev to local subscribers and to every publisher. The
// returned error joins the publisher failures.
func (d *Dispatcher) Publish(ctx context.Context, ev models.Event) error {
	d.mu.RLock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var errs []error
	for _, p := range d.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe returns a buffered channel receiving every event and a
// function that ends the subscription.
func (d *Dispatcher) Subscribe(buffer int) (<-chan models.Event, func()) {
	ch := make(chan models.Event, buffer)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Close closes every publisher.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, p := range d.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
