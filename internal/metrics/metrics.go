// Package metrics exposes gateway counters, radio state and forwarder
// traffic to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/radio"
)

// CounterSource supplies the statistics counters.
type CounterSource interface {
	Counters() models.Counters
	Forwarded() uint64
}

// RadioSource supplies the radio status.
type RadioSource interface {
	Snapshot() radio.Snapshot
}

var radioStates = []radio.State{
	radio.StateInit, radio.StateScan, radio.StateCAD,
	radio.StateRX, radio.StateRXDone, radio.StateTX,
}

// Collector bundles the gateway metrics and the /metrics handler.
type Collector struct {
	gatherer prometheus.Gatherer

	Datagrams     *prometheus.CounterVec
	Rejected      prometheus.Counter
	TxAcks        *prometheus.CounterVec
	PacketRSSI    prometheus.Histogram
	PacketSNR     prometheus.Histogram
	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// NewCollector registers the gateway metrics against reg, defaulting to
// the global registry when nil.
func NewCollector(reg prometheus.Registerer, counters CounterSource, rs RadioSource) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		gatherer: gatherer,
		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forwarder_datagrams_total",
			Help: "Semtech UDP datagrams, labeled by direction and message type.",
		}, []string{"direction", "type"}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forwarder_rejected_datagrams_total",
			Help: "Inbound datagrams dropped as malformed or version mismatched.",
		}),
		TxAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forwarder_tx_acks_total",
			Help: "Downlink scheduling verdicts, labeled by TX_ACK error.",
		}, []string{"result"}),
		PacketRSSI: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radio_packet_rssi_dbm",
			Help:    "Packet RSSI of received frames.",
			Buckets: prometheus.LinearBuckets(-170, 10, 12),
		}),
		PacketSNR: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radio_packet_snr_db",
			Help:    "SNR of received frames.",
			Buckets: prometheus.LinearBuckets(-20, 2.5, 14),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Management API requests, labeled by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Management API latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
	}

	collectors := []prometheus.Collector{
		c.Datagrams, c.Rejected, c.TxAcks, c.PacketRSSI, c.PacketSNR,
		c.HTTPRequests, c.HTTPDurations,
		&gatewayCollector{counters: counters, radio: rs},
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ObserveDatagram counts one forwarder datagram.
func (c *Collector) ObserveDatagram(direction, msgType string) {
	c.Datagrams.WithLabelValues(direction, msgType).Inc()
}

// ObserveRejected counts one dropped inbound datagram.
func (c *Collector) ObserveRejected() {
	c.Rejected.Inc()
}

// ObserveTxAck counts one downlink verdict.
func (c *Collector) ObserveTxAck(result string) {
	c.TxAcks.WithLabelValues(result).Inc()
}

// ObservePacket records the signal quality of a received frame.
func (c *Collector) ObservePacket(pkt *models.ReceivedPacket) {
	c.PacketRSSI.Observe(float64(pkt.RSSI))
	c.PacketSNR.Observe(float64(pkt.SNR))
}

// Middleware records request counts and durations by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPDurations.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

var (
	rxOKDesc = prometheus.NewDesc("gateway_rx_ok_total",
		"Frames received with a valid CRC.", nil, nil)
	crcErrorsDesc = prometheus.NewDesc("gateway_crc_errors_total",
		"Frames dropped for a bad CRC.", nil, nil)
	rxForwardedDesc = prometheus.NewDesc("gateway_rx_forwarded_total",
		"Uplinks relayed to at least one network server.", nil, nil)
	txOKDesc = prometheus.NewDesc("gateway_tx_ok_total",
		"Downlinks transmitted.", nil, nil)
	txFailedDesc = prometheus.NewDesc("gateway_tx_failed_total",
		"Downlinks missed, refused on air or timed out.", nil, nil)
	bootsDesc = prometheus.NewDesc("gateway_boots",
		"Gateway starts recorded in the persistent counters.", nil, nil)
	resetsDesc = prometheus.NewDesc("gateway_resets",
		"Statistics resets.", nil, nil)
	perSFDesc = prometheus.NewDesc("gateway_rx_packets_total",
		"Valid frames per spreading factor.", []string{"sf"}, nil)
	stateDesc = prometheus.NewDesc("radio_state",
		"1 for the current radio state.", []string{"state"}, nil)
	frequencyDesc = prometheus.NewDesc("radio_channel_frequency_hz",
		"Frequency the receiver is tuned to.", nil, nil)
	collisionsDesc = prometheus.NewDesc("radio_interrupt_collisions_total",
		"DIO signals that arrived while a handler was running.", nil, nil)
	droppedDesc = prometheus.NewDesc("radio_interrupts_dropped_total",
		"DIO signals discarded by the reentry policy.", nil, nil)
)

// gatewayCollector reads the tracker and the radio at scrape time.
type gatewayCollector struct {
	counters CounterSource
	radio    RadioSource
}

func (g *gatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		rxOKDesc, crcErrorsDesc, rxForwardedDesc, txOKDesc, txFailedDesc, bootsDesc,
		resetsDesc, perSFDesc, stateDesc, frequencyDesc, collisionsDesc, droppedDesc,
	} {
		ch <- d
	}
}

func (g *gatewayCollector) Collect(ch chan<- prometheus.Metric) {
	if g.counters != nil {
		c := g.counters.Counters()
		ch <- prometheus.MustNewConstMetric(rxOKDesc, prometheus.CounterValue, float64(c.RxOK))
		ch <- prometheus.MustNewConstMetric(crcErrorsDesc, prometheus.CounterValue, float64(c.CRCErrors))
		ch <- prometheus.MustNewConstMetric(rxForwardedDesc, prometheus.CounterValue, float64(g.counters.Forwarded()))
		ch <- prometheus.MustNewConstMetric(txOKDesc, prometheus.CounterValue, float64(c.TxOK))
		ch <- prometheus.MustNewConstMetric(txFailedDesc, prometheus.CounterValue, float64(c.TxFailed))
		ch <- prometheus.MustNewConstMetric(bootsDesc, prometheus.GaugeValue, float64(c.Boots))
		ch <- prometheus.MustNewConstMetric(resetsDesc, prometheus.GaugeValue, float64(c.Resets))
		for sf := uint8(6); sf <= 12; sf++ {
			ch <- prometheus.MustNewConstMetric(perSFDesc, prometheus.CounterValue,
				float64(c.SF(sf)), "SF"+strconv.Itoa(int(sf)))
		}
	}
	if g.radio != nil {
		s := g.radio.Snapshot()
		for _, st := range radioStates {
			v := 0.0
			if st == s.State {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, v, st.String())
		}
		ch <- prometheus.MustNewConstMetric(frequencyDesc, prometheus.GaugeValue, float64(s.Channel.Frequency))
		ch <- prometheus.MustNewConstMetric(collisionsDesc, prometheus.CounterValue, float64(s.Collisions))
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(s.DroppedInterrupts))
	}
}
