package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/single-channel-gateway/internal/api"
	"github.com/lorawan-server/single-channel-gateway/internal/config"
	"github.com/lorawan-server/single-channel-gateway/internal/events"
	"github.com/lorawan-server/single-channel-gateway/internal/forwarder"
	"github.com/lorawan-server/single-channel-gateway/internal/metrics"
	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/radio"
	"github.com/lorawan-server/single-channel-gateway/internal/stats"
	"github.com/lorawan-server/single-channel-gateway/internal/storage"
	"github.com/lorawan-server/single-channel-gateway/pkg/crypto"
)

// jobQueue runs side work (publishing, event logging) off the radio loop.
type jobQueue chan func(ctx context.Context)

func (q jobQueue) push(job func(ctx context.Context)) {
	select {
	case q <- job:
	default:
		log.Warn().Msg("Job queue full, dropping job")
	}
}

func (q jobQueue) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-q:
			job(ctx)
		}
	}
}

// gateway holds the wired components.
type gateway struct {
	cfg        *config.Config
	machine    *radio.Machine
	tracker    *stats.Tracker
	store      *storage.SQLStore
	persister  *stats.Persister
	dispatcher *events.Dispatcher
	metrics    *metrics.Collector
	router     *forwarder.Router
	forwarders []*forwarder.Forwarder
	jobs       jobQueue
}

func run(ctx context.Context, cfg *config.Config) error {
	g := &gateway{
		cfg:     cfg,
		tracker: stats.NewTracker(cfg.Stats.HistorySize),
		jobs:    make(jobQueue, 256),
	}

	if err := g.openStore(ctx); err != nil {
		return err
	}
	if g.store != nil {
		defer g.store.Close()
	}
	if err := g.boot(ctx); err != nil {
		return err
	}

	if err := g.openEvents(); err != nil {
		return err
	}
	defer g.dispatcher.Close()

	trx, err := openTransceiver(cfg.Radio)
	if err != nil {
		return fmt.Errorf("open radio: %w", err)
	}
	defer trx.close()

	rcfg, err := cfg.RadioControl()
	if err != nil {
		return err
	}
	g.machine, err = radio.NewMachine(rcfg, trx.bus, radio.NewSystemClock(), g.tracker)
	if err != nil {
		return fmt.Errorf("create radio machine: %w", err)
	}
	g.machine.OnPacket(g.handlePacket)
	g.machine.OnTx(g.handleTx)

	g.metrics, err = metrics.NewCollector(prometheus.DefaultRegisterer, g.tracker, g.machine)
	if err != nil {
		return err
	}

	g.router = forwarder.NewRouter(g.machine, g.tracker, g.handleChange)
	if err := g.openForwarders(); err != nil {
		return err
	}
	defer func() {
		for _, f := range g.forwarders {
			f.Close()
		}
	}()

	if err := g.machine.Start(); err != nil {
		return err
	}

	srv, err := g.newAPI()
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	trx.watch(gctx, g.machine)
	grp.Go(func() error { return g.jobs.run(gctx) })
	grp.Go(func() error {
		if err := g.machine.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if g.persister != nil {
		grp.Go(func() error { return g.persister.Run(gctx) })
	}
	for _, f := range g.forwarders {
		f := f
		grp.Go(func() error {
			if err := f.Start(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	grp.Go(srv.ListenAndServe)
	grp.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})

	g.jobs.push(func(ctx context.Context) {
		c := g.tracker.Counters()
		g.logEvent(ctx, models.EventTypeBoot, models.EventLevelInfo, "BOOT", "gateway started",
			models.Variables{"boots": c.Boots})
	})

	return grp.Wait()
}

func (g *gateway) openStore(ctx context.Context) error {
	db := g.cfg.Database
	if db.DSN == "" {
		log.Warn().Msg("No database configured, statistics will not survive restarts")
		return nil
	}
	store, err := storage.Open(ctx, db.Driver, db.DSN, storage.Options{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	g.store = store
	log.Info().Str("driver", store.Driver()).Msg("Connected to database")

	g.persister = stats.NewPersister(g.tracker, store, g.cfg.Gateway.EUI,
		g.cfg.Stats.FlushInterval, g.cfg.Stats.RetainPackets)
	return nil
}

// boot counts this start on top of the persisted counters, if any.
func (g *gateway) boot(ctx context.Context) error {
	if g.persister != nil {
		if err := g.persister.Restore(ctx); err != nil {
			return err
		}
	}
	g.tracker.Boot()
	if g.persister != nil {
		if err := g.persister.Flush(ctx); err != nil {
			return err
		}
	}
	log.Info().Uint64("boots", g.tracker.Counters().Boots).Msg("Gateway booted")
	return nil
}

func (g *gateway) openEvents() error {
	var pubs []events.Publisher
	ev := g.cfg.Events
	if ev.NATS.URL != "" {
		p, err := events.ConnectNATS(events.NATSOptions{
			URL:               ev.NATS.URL,
			Name:              "single-channel-gateway-" + g.cfg.Gateway.EUI.String(),
			Username:          ev.NATS.Username,
			Password:          ev.NATS.Password,
			MaxReconnects:     ev.NATS.MaxReconnects,
			ReconnectInterval: ev.NATS.ReconnectInterval,
		})
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		log.Info().Str("url", ev.NATS.URL).Msg("Connected to NATS")
		pubs = append(pubs, p)
	}
	if ev.MQTT.Broker != "" {
		p, err := events.ConnectMQTT(events.MQTTOptions{
			Broker:      ev.MQTT.Broker,
			ClientID:    ev.MQTT.ClientID,
			Username:    ev.MQTT.Username,
			Password:    ev.MQTT.Password,
			TopicPrefix: ev.MQTT.TopicPrefix,
			QoS:         ev.MQTT.QoS,
		})
		if err != nil {
			for _, p := range pubs {
				p.Close()
			}
			return fmt.Errorf("connect mqtt: %w", err)
		}
		log.Info().Str("broker", ev.MQTT.Broker).Msg("Connected to MQTT broker")
		pubs = append(pubs, p)
	}
	g.dispatcher = events.NewDispatcher(pubs...)
	return nil
}

func (g *gateway) openForwarders() error {
	hooks := forwarder.Hooks{
		Datagram: func(dir forwarder.Direction, t forwarder.Type) {
			g.metrics.ObserveDatagram(string(dir), t.String())
		},
		Rejected: func(err error) {
			g.metrics.ObserveRejected()
		},
		TxAck: func(dl models.Downlink, code forwarder.TxAckError) {
			g.metrics.ObserveTxAck(string(code))
			g.publish(events.NewDownlink(models.EventTypeTxAck, g.cfg.Gateway.EUI, dl, string(code)))
		},
		Stat: func(stat forwarder.Stat) {
			g.publish(models.NewEvent(models.EventTypeGatewayStats, g.cfg.Gateway.EUI.String(), stat))
		},
	}

	gw := g.cfg.Gateway
	for _, s := range g.cfg.EnabledServers() {
		f, err := forwarder.New(forwarder.Options{
			Server:       s.Address,
			GatewayEUI:   gw.EUI,
			Version:      s.Version,
			KeepAlive:    s.KeepAlive,
			StatInterval: s.StatInterval,
			AckTimeout:   s.AckTimeout,
			Location:     gw.Location,
			Platform:     gw.Platform,
			Email:        gw.Email,
			Description:  gw.Description,
		}, g.machine, g.router, g.tracker, hooks)
		if err != nil {
			for _, f := range g.forwarders {
				f.Close()
			}
			return err
		}
		g.forwarders = append(g.forwarders, f)
	}
	if len(g.forwarders) == 0 {
		log.Warn().Msg("No network server enabled, uplinks are only recorded locally")
	}
	return nil
}

func (g *gateway) newAPI() (*api.RESTServer, error) {
	if g.cfg.JWT.Secret == "" {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			return nil, err
		}
		g.cfg.JWT.Secret = secret
		log.Warn().Msg("No JWT secret configured, tokens will not survive restarts")
	}

	deps := api.Deps{
		Radio:   g.machine,
		Control: g.router,
		Stats:   g.tracker,
		Feed:    g.dispatcher,
		Metrics: g.metrics,
	}
	if g.store != nil {
		deps.Store = g.store
	}
	for _, f := range g.forwarders {
		deps.Servers = append(deps.Servers, f)
	}
	return api.NewRESTServer(g.cfg, deps), nil
}

// handlePacket runs on the radio loop for every valid frame.
func (g *gateway) handlePacket(pkt *models.ReceivedPacket) {
	forwarded := false
	for _, f := range g.forwarders {
		if err := f.HandleUplink(pkt); err != nil {
			log.Warn().Err(err).Str("server", f.Server()).Msg("Failed to forward uplink")
			continue
		}
		forwarded = true
	}
	if forwarded {
		g.tracker.RecordForwarded()
	}
	if g.persister != nil {
		g.persister.Enqueue(pkt)
	}
	g.metrics.ObservePacket(pkt)
	g.publish(events.NewUplink(g.cfg.Gateway.EUI, pkt))
}

// handleTx runs on the radio loop when a downlink leaves or is given up.
func (g *gateway) handleTx(dl models.Downlink, err error) {
	result := "OK"
	if err != nil {
		result = err.Error()
	}
	g.publish(events.NewDownlink(models.EventTypeDownlink, g.cfg.Gateway.EUI, dl, result))
	if err != nil {
		g.jobs.push(func(ctx context.Context) {
			g.logEvent(ctx, models.EventTypeDownlink, models.EventLevelWarning, "TX_FAILED", err.Error(),
				models.Variables{"token": dl.Token, "frequency": dl.Channel.Frequency})
		})
	}
}

// handleChange runs for every accepted management change.
func (g *gateway) handleChange(change models.ConfigChange) {
	log.Info().
		Str("kind", change.Kind.String()).
		Uint8("sf", change.SpreadingFactor).
		Uint32("frequency", change.Frequency).
		Msg("Management change accepted")
	g.publish(models.NewEvent(models.EventTypeManagement, g.cfg.Gateway.EUI.String(), change))
	g.jobs.push(func(ctx context.Context) {
		g.logEvent(ctx, models.EventTypeManagement, models.EventLevelInfo, change.Kind.String(),
			"management change accepted", models.Variables{
				"spreadingFactor": change.SpreadingFactor,
				"frequency":       change.Frequency,
			})
		if change.Kind == models.ChangeResetStatistics && g.persister != nil {
			if err := g.persister.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to save reset statistics")
			}
		}
	})
}

func (g *gateway) publish(ev models.Event) {
	g.jobs.push(func(ctx context.Context) {
		if err := g.dispatcher.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish event")
		}
	})
}

func (g *gateway) logEvent(ctx context.Context, t models.EventType, level models.EventLevel, code, desc string, details models.Variables) {
	if g.store == nil {
		return
	}
	el := &models.EventLog{
		GatewayID:   g.cfg.Gateway.EUI.String(),
		Type:        t,
		Level:       level,
		Code:        code,
		Description: desc,
		Details:     details,
	}
	if err := g.store.CreateEventLog(ctx, el); err != nil {
		log.Error().Err(err).Str("code", code).Msg("Failed to store event log")
	}
}
