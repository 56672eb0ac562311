package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/radio"
	"github.com/lorawan-server/single-channel-gateway/internal/sx1276"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// Scheduler accepts downlinks for transmission.
type Scheduler interface {
	Schedule(dl models.Downlink) error
}

// Controller applies management changes.
type Controller interface {
	Apply(change models.ConfigChange) error
}

// StatusSource supplies the counters reported in stat messages.
type StatusSource interface {
	Counters() models.Counters
	Forwarded() uint64
}

// Direction of a datagram relative to the gateway.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Hooks are optional observers of forwarder traffic.
type Hooks struct {
	Datagram func(dir Direction, t Type)
	Rejected func(err error)
	TxAck    func(dl models.Downlink, code TxAckError)
	Stat     func(stat Stat)
}

// Options configure one server connection.
type Options struct {
	Server       string
	GatewayEUI   lorawan.EUI64
	Version      uint8
	KeepAlive    time.Duration
	StatInterval time.Duration
	AckTimeout   time.Duration
	Location     models.Location
	Platform     string
	Email        string
	Description  string
}

// Forwarder is a Semtech UDP client for one network server.
type Forwarder struct {
	opts   Options
	conn   *net.UDPConn
	sched  Scheduler
	ctrl   Controller
	status StatusSource
	hooks  Hooks
	tokens *TokenTable
	logger zerolog.Logger

	downlinks atomic.Uint64

	mu       sync.RWMutex
	lastPull time.Time
}

// New dials the server. ctrl may be nil to ignore management messages.
func New(opts Options, sched Scheduler, ctrl Controller, status StatusSource, hooks Hooks) (*Forwarder, error) {
	if opts.Version != ProtocolV1 && opts.Version != ProtocolV2 {
		return nil, fmt.Errorf("forwarder: unsupported protocol version %d", opts.Version)
	}
	addr, err := net.ResolveUDPAddr("udp", opts.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", opts.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Server, err)
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}

	return &Forwarder{
		opts:   opts,
		conn:   conn,
		sched:  sched,
		ctrl:   ctrl,
		status: status,
		hooks:  hooks,
		tokens: NewTokenTable(opts.AckTimeout),
		logger: log.With().Str("server", opts.Server).Logger(),
	}, nil
}

// Server returns the configured server address.
func (f *Forwarder) Server() string {
	return f.opts.Server
}

// Tokens exposes the token table.
func (f *Forwarder) Tokens() *TokenTable {
	return f.tokens
}

// LastPullAck returns when the server last acknowledged a keepalive.
func (f *Forwarder) LastPullAck() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPull
}

// Start runs the keepalive, status and read loops until ctx is done.
func (f *Forwarder) Start(ctx context.Context) error {
	f.logger.Info().
		Str("local", f.conn.LocalAddr().String()).
		Uint8("version", f.opts.Version).
		Msg("Packet forwarder started")

	go f.keepAlive(ctx)
	go f.reportStatus(ctx)
	go f.expireTokens(ctx)

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, err := f.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Error().Err(err).Msg("Failed to read UDP packet")
			continue
		}
		f.handleDatagram(buf[:n])
	}
}

// Close releases the socket.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}

// HandleUplink sends one received packet as PUSH_DATA.
func (f *Forwarder) HandleUplink(pkt *models.ReceivedPacket) error {
	token := f.tokens.Issue(TypePushData, time.Now())
	msg := NewPushData(f.header(token), f.opts.GatewayEUI, pkt)
	if err := f.send(msg); err != nil {
		return err
	}
	f.logger.Debug().
		Uint16("token", token).
		Uint32("tmst", pkt.Tmst).
		Str("dev_addr", pkt.DevAddr.String()).
		Msg("PUSH_DATA sent")
	return nil
}

func (f *Forwarder) header(token uint16) Header {
	return Header{Version: f.opts.Version, Token: token}
}

func (f *Forwarder) send(msg Message) error {
	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := f.conn.Write(buf); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	if f.hooks.Datagram != nil {
		f.hooks.Datagram(Outbound, msg.Type())
	}
	return nil
}

func (f *Forwarder) handleDatagram(data []byte) {
	msg, err := Decode(data, f.opts.Version)
	if err != nil {
		f.logger.Warn().Err(err).Int("size", len(data)).Msg("Datagram rejected")
		if f.hooks.Rejected != nil {
			f.hooks.Rejected(err)
		}
		return
	}
	if f.hooks.Datagram != nil {
		f.hooks.Datagram(Inbound, msg.Type())
	}

	token := msg.MessageHeader().Token
	switch m := msg.(type) {
	case *PushAck, *PullAck:
		rtt, ok := f.tokens.Ack(msg.Type(), token, time.Now())
		if !ok {
			f.logger.Debug().Uint16("token", token).Str("type", msg.Type().String()).Msg("Unknown ack token")
			return
		}
		if msg.Type() == TypePullAck {
			f.mu.Lock()
			f.lastPull = time.Now()
			f.mu.Unlock()
		}
		f.logger.Debug().Uint16("token", token).Dur("rtt", rtt).Str("type", msg.Type().String()).Msg("Ack received")
	case *PullResp:
		f.handlePullResp(m)
	case Management:
		f.handleManagement(m)
	default:
		f.logger.Warn().Str("type", msg.Type().String()).Msg("Unexpected message from server")
	}
}

func (f *Forwarder) handlePullResp(m *PullResp) {
	f.downlinks.Add(1)
	dl := m.Downlink

	var err error
	if !dl.Immediate && dl.Tmst == 0 && m.Txpk.Time != "" {
		err = errGPSUnlocked
	} else {
		err = f.sched.Schedule(dl)
	}
	code := AckCode(err)
	if err != nil {
		f.logger.Warn().Err(err).Uint16("token", dl.Token).Str("error", string(code)).Msg("Downlink refused")
	}

	if f.hooks.TxAck != nil {
		f.hooks.TxAck(dl, code)
	}
	if f.opts.Version < ProtocolV2 {
		return
	}
	ack := &TxAck{Header: m.Header, GatewayEUI: f.opts.GatewayEUI, Error: code}
	if err := f.send(ack); err != nil {
		f.logger.Error().Err(err).Uint16("token", dl.Token).Msg("Failed to send TX_ACK")
	}
}

func (f *Forwarder) handleManagement(m Management) {
	change := m.Change()
	if f.ctrl == nil {
		f.logger.Warn().Str("kind", change.Kind.String()).Msg("Management message ignored")
		return
	}
	if err := f.ctrl.Apply(change); err != nil {
		f.logger.Error().Err(err).Str("kind", change.Kind.String()).Msg("Management change refused")
		return
	}
	f.logger.Info().
		Str("kind", change.Kind.String()).
		Uint8("sf", change.SpreadingFactor).
		Uint32("frequency", change.Frequency).
		Msg("Management change accepted")
}

var errGPSUnlocked = errors.New("forwarder: absolute time downlinks need GPS")

// AckCode maps a scheduling error to its TX_ACK identifier.
func AckCode(err error) TxAckError {
	switch {
	case err == nil:
		return TxAckNone
	case errors.Is(err, radio.ErrMissedWindow):
		return TxAckTooLate
	case errors.Is(err, radio.ErrTooEarly):
		return TxAckTooEarly
	case errors.Is(err, sx1276.ErrBadFrequency):
		return TxAckTxFreq
	case errors.Is(err, sx1276.ErrBadPower):
		return TxAckTxPower
	case errors.Is(err, errGPSUnlocked):
		return TxAckGPSUnlocked
	}
	// busy slot, radio not running, unusable modulation
	return TxAckCollisionPacket
}

func (f *Forwarder) keepAlive(ctx context.Context) {
	interval := f.opts.KeepAlive
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		f.pull()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) pull() {
	token := f.tokens.Issue(TypePullData, time.Now())
	msg := &PullData{Header: f.header(token), GatewayEUI: f.opts.GatewayEUI}
	if err := f.send(msg); err != nil {
		f.logger.Error().Err(err).Msg("Failed to send PULL_DATA")
	}
}

func (f *Forwarder) reportStatus(ctx context.Context) {
	if f.opts.StatInterval <= 0 || f.status == nil {
		return
	}
	ticker := time.NewTicker(f.opts.StatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := f.SendStat(now); err != nil {
				f.logger.Error().Err(err).Msg("Failed to send status")
			}
		}
	}
}

// SendStat reports the gateway counters as PUSH_DATA.
func (f *Forwarder) SendStat(now time.Time) error {
	stat := f.stat(now)
	token := f.tokens.Issue(TypePushData, now)
	msg := &PushData{
		Header:     f.header(token),
		GatewayEUI: f.opts.GatewayEUI,
		Payload:    PushPayload{Stat: &stat},
	}
	if err := f.send(msg); err != nil {
		return err
	}
	if f.hooks.Stat != nil {
		f.hooks.Stat(stat)
	}
	return nil
}

func (f *Forwarder) stat(now time.Time) Stat {
	c := f.status.Counters()
	return Stat{
		Time:        now.UTC().Format(statTimeLayout),
		Latitude:    f.opts.Location.Latitude,
		Longitude:   f.opts.Location.Longitude,
		Altitude:    f.opts.Location.Altitude,
		RxReceived:  c.RxTotal(),
		RxOK:        c.RxOK,
		RxForwarded: f.status.Forwarded(),
		AckRatio:    f.tokens.TakeAckRatio(),
		Downlinks:   f.downlinks.Load(),
		Transmitted: c.TxOK,
		Platform:    f.opts.Platform,
		Email:       f.opts.Email,
		Description: f.opts.Description,
	}
}

func (f *Forwarder) expireTokens(ctx context.Context) {
	ticker := time.NewTicker(f.opts.AckTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := f.tokens.Expire(now); n > 0 {
				f.logger.Warn().Int("count", n).Msg("Acknowledgements not received")
			}
		}
	}
}
