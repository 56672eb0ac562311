package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/single-channel-gateway/internal/radio"
	"github.com/lorawan-server/single-channel-gateway/internal/sx1276"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverSimulator, cfg.Radio.Driver)
	require.Len(t, cfg.Radio.Channels, 10, "EU868 plan")
	assert.Equal(t, uint32(868100000), cfg.Radio.Channels[0].Frequency)
	assert.Equal(t, uint32(869525000), cfg.Radio.Channels[9].Frequency)
	for _, ch := range cfg.Radio.Channels {
		assert.Equal(t, uint8(7), ch.SpreadingFactor)
		assert.Equal(t, uint32(125000), ch.Bandwidth)
		assert.Equal(t, uint8(1), ch.CodingRate)
	}
	assert.Equal(t, 20, cfg.Stats.HistorySize)
	assert.Equal(t, DatabaseSQLite, cfg.Database.Driver)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
gateway:
  eui: "b8:27:eb:ff:fe:12:34:56"
  location:
    latitude: 52.2
    longitude: 5.9
    altitude: 12
servers:
  - address: "router.example.net:1700"
    enabled: true
  - address: "backup.example.net:1700"
    protocol_version: 1
radio:
  driver: spi
  spi_port: "/dev/spidev0.0"
  pins:
    reset: GPIO17
    dio0: GPIO4
  channels:
    - frequency: 868100000
    - frequency: 868300000
      spreading_factor: 9
    - frequency: 868500000
  spreading_factor: 12
  hop: true
  hop_period: 10s
  cad:
    up: {rssi: -115, wait: 300}
    down: {rssi: -120, wait: 200}
  reentry_policy: queue
timing:
  tx_offset: -1ms
  lead: 3ms
stats:
  history_size: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, lorawan.EUI64{0xb8, 0x27, 0xeb, 0xff, 0xfe, 0x12, 0x34, 0x56}, cfg.Gateway.EUI)
	assert.Equal(t, 12, cfg.Gateway.Location.Altitude)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, uint8(2), cfg.Servers[0].Version)
	assert.Equal(t, 10*time.Second, cfg.Servers[0].KeepAlive)
	assert.Equal(t, uint8(1), cfg.Servers[1].Version)
	require.Len(t, cfg.EnabledServers(), 1)

	assert.Equal(t, uint8(12), cfg.Radio.Channels[0].SpreadingFactor)
	assert.Equal(t, uint8(9), cfg.Radio.Channels[1].SpreadingFactor)
	assert.Equal(t, 50, cfg.Stats.HistorySize)

	rc, err := cfg.RadioControl()
	require.NoError(t, err)
	assert.True(t, rc.Hop)
	assert.Equal(t, uint32(10000000), rc.HopPeriod)
	assert.Equal(t, int32(-1000), rc.Timing.Offset)
	assert.Equal(t, uint32(3000), rc.Timing.Lead)
	assert.Equal(t, radio.ReentryQueueOne, rc.Reentry)
	assert.Equal(t, int16(-115), rc.Detector.Up.RSSI)
	assert.Equal(t, uint32(200), rc.Detector.Down.Wait)
	assert.False(t, rc.PollIRQ)
	assert.Equal(t, uint32(863000000), rc.MinFrequency)
	assert.Equal(t, sx1276.DefaultSettings.SyncWord, rc.Settings.SyncWord)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_EUI", "0102030405060708")
	t.Setenv("GATEWAY_SERVER", "127.0.0.1:1700")
	t.Setenv("DATABASE_DSN", "file:test.db")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0102030405060708", cfg.Gateway.EUI.String())
	require.Len(t, cfg.Servers, 1)
	assert.True(t, cfg.Servers[0].Enabled)
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATS.URL)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverrideBadEUI(t *testing.T) {
	t.Setenv("GATEWAY_EUI", "zz")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"hop needs three channels", "radio:\n  hop: true\n  channels:\n    - frequency: 868100000\n    - frequency: 868300000\n"},
		{"hop needs distinct channels", "radio:\n  hop: true\n  channels:\n    - frequency: 868100000\n    - frequency: 868100000\n    - frequency: 868100000\n"},
		{"sf6 explicit header", "radio:\n  spreading_factor: 6\n"},
		{"bad bandwidth", "radio:\n  bandwidth: 100000\n"},
		{"frequency out of range", "radio:\n  channels:\n    - frequency: 100000000\n"},
		{"power", "radio:\n  power: 30\n"},
		{"driver", "radio:\n  driver: usb\n"},
		{"reentry", "radio:\n  reentry_policy: stack\n"},
		{"history", "stats:\n  history_size: 0\n"},
		{"server version", "servers:\n  - address: a:1\n    protocol_version: 3\n"},
		{"server address", "servers:\n  - enabled: true\n"},
		{"database", "database:\n  driver: mysql\n"},
		{"region", "radio:\n  region: XX123\n"},
		{"hop period wraps the clock", "radio:\n  hop_period: 72m\n"},
		{"rx window wraps the clock", "radio:\n  rx_window: 2h\n"},
		{"max lead wraps the clock", "timing:\n  max_lead: 40m\n"},
		{"negative lead", "timing:\n  lead: -1ms\n"},
		{"tx offset wraps the clock", "timing:\n  tx_offset: -1h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateLongestClockSpan(t *testing.T) {
	cfg, err := Load(writeConfig(t, "radio:\n  hop_period: 35m\ntiming:\n  max_lead: 35m\n"))
	require.NoError(t, err)

	rc, err := cfg.RadioControl()
	require.NoError(t, err)
	assert.Equal(t, uint32(35*60*1000000), rc.HopPeriod)
	assert.Equal(t, uint32(35*60*1000000), rc.Timing.MaxLead)
}

func TestRadioControlKeepsChipRangeOutsideRegion(t *testing.T) {
	cfg, err := Load(writeConfig(t, "radio:\n  channels:\n    - frequency: 433175000\n"))
	require.NoError(t, err)

	rc, err := cfg.RadioControl()
	require.NoError(t, err)
	assert.Equal(t, uint32(sx1276.MinFrequency), rc.MinFrequency)
	assert.True(t, rc.PollIRQ, "the simulator polls")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPrintConfigSummary(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	var buf bytes.Buffer
	cfg.PrintConfigSummary(&buf)
	out := buf.String()
	assert.Contains(t, out, "Gateway EUI:")
	assert.Contains(t, out, "CH0: 868.100MHz")
	assert.Contains(t, out, "Database: sqlite3")
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "gateway.yml"))
	require.NoError(t, err)
	assert.Equal(t, DriverSPI, cfg.Radio.Driver)
	require.Len(t, cfg.EnabledServers(), 1)
	assert.Equal(t, uint8(0x34), cfg.Radio.SyncWord)
}
