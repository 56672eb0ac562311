package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

// NATSOptions configure the NATS connection.
type NATSOptions struct {
	URL               string
	Name              string
	Username          string
	Password          string
	MaxReconnects     int
	ReconnectInterval time.Duration
}

// NATSPublisher publishes events on gateway.<eui>.<suffix>.
type NATSPublisher struct {
	nc *nats.Conn
}

// ConnectNATS dials the server and returns a publisher that owns the
// connection.
func ConnectNATS(opts NATSOptions) (*NATSPublisher, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.UserInfo(opts.Username, opts.Password),
		nats.ReconnectWait(opts.ReconnectInterval),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// NATSSubject returns the subject an event is published on.
func NATSSubject(gatewayID string, suffix string) string {
	return fmt.Sprintf("gateway.%s.%s", gatewayID, suffix)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := NATSSubject(ev.GatewayID, Suffix(ev.Type))
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
