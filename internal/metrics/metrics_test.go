package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/radio"
)

type fakeCounters struct {
	c         models.Counters
	forwarded uint64
}

func (f *fakeCounters) Counters() models.Counters { return f.c }
func (f *fakeCounters) Forwarded() uint64         { return f.forwarded }

type fakeRadio struct{ s radio.Snapshot }

func (f *fakeRadio) Snapshot() radio.Snapshot { return f.s }

func TestCollectorObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg, nil, nil)
	require.NoError(t, err)

	c.ObserveDatagram("out", "PUSH_DATA")
	c.ObserveDatagram("out", "PUSH_DATA")
	c.ObserveDatagram("in", "PULL_RESP")
	c.ObserveRejected()
	c.ObserveTxAck("NONE")
	c.ObserveTxAck("TOO_LATE")
	c.ObserveTxAck("TOO_LATE")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Datagrams.WithLabelValues("out", "PUSH_DATA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Datagrams.WithLabelValues("in", "PULL_RESP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Rejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.TxAcks.WithLabelValues("TOO_LATE")))

	c.ObservePacket(&models.ReceivedPacket{RSSI: -100, SNR: 7.5})
	assert.Equal(t, 1, testutil.CollectAndCount(c.PacketRSSI))
}

func TestGatewayCollectorReadsSources(t *testing.T) {
	counters := &fakeCounters{forwarded: 4}
	counters.c.RxOK = 5
	counters.c.CRCErrors = 2
	counters.c.TxOK = 1
	counters.c.Boots = 3
	counters.c.PerSF[7] = 5

	rs := &fakeRadio{s: radio.Snapshot{
		State:      radio.StateRX,
		Channel:    models.Channel{Frequency: 868100000},
		Collisions: 6,
	}}

	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg, counters, rs)
	require.NoError(t, err)

	expected := `
# HELP gateway_rx_ok_total Frames received with a valid CRC.
# TYPE gateway_rx_ok_total counter
gateway_rx_ok_total 5
# HELP gateway_rx_forwarded_total Uplinks relayed to at least one network server.
# TYPE gateway_rx_forwarded_total counter
gateway_rx_forwarded_total 4
# HELP radio_channel_frequency_hz Frequency the receiver is tuned to.
# TYPE radio_channel_frequency_hz gauge
radio_channel_frequency_hz 8.681e+08
# HELP radio_interrupt_collisions_total DIO signals that arrived while a handler was running.
# TYPE radio_interrupt_collisions_total counter
radio_interrupt_collisions_total 6
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"gateway_rx_ok_total", "gateway_rx_forwarded_total",
		"radio_channel_frequency_hz", "radio_interrupt_collisions_total"))

	// One series per spreading factor and per state.
	count, err := testutil.GatherAndCount(reg, "gateway_rx_packets_total", "radio_state")
	require.NoError(t, err)
	assert.Equal(t, 7+6, count)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg, nil, nil)
	require.NoError(t, err)
	_, err = NewCollector(reg, nil, nil)
	assert.Error(t, err)
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg, nil, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/api/v1/packets/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Method(http.MethodGet, "/metrics", c.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/packets/9", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		c.HTTPRequests.WithLabelValues(http.MethodGet, "/api/v1/packets/{id}", "418")))

	srv := httptest.NewServer(r)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "api_requests_total")
}
