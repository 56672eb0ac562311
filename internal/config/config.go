package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/radio"
	"github.com/lorawan-server/single-channel-gateway/internal/sx1276"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// Radio drivers
const (
	DriverSPI       = "spi"
	DriverSimulator = "sim"
)

// Database drivers
const (
	DatabaseSQLite   = "sqlite3"
	DatabasePostgres = "postgres"
)

var ErrInvalid = errors.New("invalid configuration")

// Config represents the gateway configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Servers  []ServerConfig `yaml:"servers"`
	Radio    RadioConfig    `yaml:"radio"`
	Timing   TimingConfig   `yaml:"timing"`
	Stats    StatsConfig    `yaml:"stats"`
	Database DatabaseConfig `yaml:"database"`
	Events   EventsConfig   `yaml:"events"`
	API      APIConfig      `yaml:"api"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
}

// GatewayConfig identifies the gateway to the network servers
type GatewayConfig struct {
	EUI         lorawan.EUI64   `yaml:"eui"`
	Location    models.Location `yaml:"location"`
	Platform    string          `yaml:"platform"`
	Email       string          `yaml:"email"`
	Description string          `yaml:"description"`
}

// ServerConfig represents one Semtech UDP network server
type ServerConfig struct {
	Address      string        `yaml:"address"`
	Enabled      bool          `yaml:"enabled"`
	Version      uint8         `yaml:"protocol_version"`
	KeepAlive    time.Duration `yaml:"keepalive_interval"`
	StatInterval time.Duration `yaml:"stat_interval"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
}

// PinsConfig names the GPIO lines wired to the transceiver
type PinsConfig struct {
	Reset string `yaml:"reset"`
	DIO0  string `yaml:"dio0"`
	DIO1  string `yaml:"dio1"`
	DIO2  string `yaml:"dio2"`
}

// RadioConfig represents the transceiver and channel plan
type RadioConfig struct {
	Driver          string               `yaml:"driver"`
	SPIPort         string               `yaml:"spi_port"`
	SPISpeed        int64                `yaml:"spi_speed_hz"`
	Pins            PinsConfig           `yaml:"pins"`
	Region          string               `yaml:"region"`
	Channels        []models.Channel     `yaml:"channels"`
	SpreadingFactor uint8                `yaml:"spreading_factor"`
	Bandwidth       uint32               `yaml:"bandwidth"`
	CodingRate      uint8                `yaml:"coding_rate"`
	SyncWord        uint8                `yaml:"sync_word"`
	Power           int8                 `yaml:"power"`
	Preamble        uint16               `yaml:"preamble"`
	SymbolTimeout   uint16               `yaml:"symbol_timeout"`
	Hop             bool                 `yaml:"hop"`
	HopPeriod       time.Duration        `yaml:"hop_period"`
	ScanInterval    time.Duration        `yaml:"scan_interval"`
	CADWindow       time.Duration        `yaml:"cad_window"`
	RXWindow        time.Duration        `yaml:"rx_window"`
	CAD             radio.DetectorConfig `yaml:"cad"`
	Reentry         string               `yaml:"reentry_policy"`
	PollIRQ         bool                 `yaml:"poll_irq"`
	PollInterval    time.Duration        `yaml:"poll_interval"`
}

// TimingConfig corrects downlink fire times
type TimingConfig struct {
	TxOffset  time.Duration `yaml:"tx_offset"`
	Lead      time.Duration `yaml:"lead"`
	MaxLead   time.Duration `yaml:"max_lead"`
}

// StatsConfig represents the statistics history
type StatsConfig struct {
	HistorySize   int           `yaml:"history_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// RetainPackets bounds the persisted packet history. Zero keeps all.
	RetainPackets int `yaml:"retain_packets"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig selects the event publishers
type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT broker configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// APIConfig represents the management API
type APIConfig struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	CORSOrigins       []string `yaml:"cors_origins"`
	AdminUser         string   `yaml:"admin_user"`
	AdminPasswordHash string   `yaml:"admin_password_hash"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a configuration for a simulated EU868 gateway.
func Default() *Config {
	corr := radio.DefaultCorrector
	return &Config{
		Gateway: GatewayConfig{
			Platform:    "Single Channel Gateway",
			Description: "single channel LoRa gateway",
		},
		Radio: RadioConfig{
			Driver:          DriverSimulator,
			SPISpeed:        8000000,
			Region:          "EU868",
			SpreadingFactor: 7,
			Bandwidth:       125000,
			CodingRate:      1,
			SyncWord:        sx1276.DefaultSettings.SyncWord,
			Power:           sx1276.DefaultSettings.Power,
			Preamble:        sx1276.DefaultSettings.Preamble,
			SymbolTimeout:   sx1276.DefaultSettings.SymbolTimeout,
			HopPeriod:       30 * time.Second,
			ScanInterval:    500 * time.Microsecond,
			CADWindow:       10 * time.Millisecond,
			RXWindow:        3 * time.Second,
			CAD:             radio.DefaultDetectorConfig,
			Reentry:         radio.ReentryDrop.String(),
			PollInterval:    time.Millisecond,
		},
		Timing: TimingConfig{
			Lead:    time.Duration(corr.Lead) * time.Microsecond,
			MaxLead: time.Duration(corr.MaxLead) * time.Microsecond,
		},
		Stats: StatsConfig{
			HistorySize:   20,
			FlushInterval: time.Minute,
			RetainPackets: 1000,
		},
		Database: DatabaseConfig{
			Driver:       DatabaseSQLite,
			DSN:          "gateway.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Events: EventsConfig{
			NATS: NATSConfig{MaxReconnects: -1, ReconnectInterval: 2 * time.Second},
			MQTT: MQTTConfig{TopicPrefix: "gateway", ClientID: "single-channel-gateway"},
		},
		API: APIConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			AdminUser: "admin",
		},
		JWT: JWTConfig{AccessTokenTTL: 24 * time.Hour},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load loads configuration from file. An empty filename yields the
// defaults with environment overrides.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if eui := os.Getenv("GATEWAY_EUI"); eui != "" {
		if err := c.Gateway.EUI.UnmarshalText([]byte(eui)); err != nil {
			return fmt.Errorf("GATEWAY_EUI: %w", err)
		}
	}

	if server := os.Getenv("GATEWAY_SERVER"); server != "" {
		c.Servers = []ServerConfig{{Address: server, Enabled: true}}
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.Events.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
	return nil
}

// setDefaults fills values derived from other settings.
func (c *Config) setDefaults() error {
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Version == 0 {
			s.Version = 2
		}
		if s.KeepAlive == 0 {
			s.KeepAlive = 10 * time.Second
		}
		if s.StatInterval == 0 {
			s.StatInterval = 30 * time.Second
		}
		if s.AckTimeout == 0 {
			s.AckTimeout = 10 * time.Second
		}
	}

	// channel list from the region plan when none is given
	if len(c.Radio.Channels) == 0 {
		region, err := lorawan.GetRegionConfiguration(c.Radio.Region)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		for _, ch := range region.DefaultChannels {
			c.Radio.Channels = append(c.Radio.Channels, models.Channel{Frequency: ch.Frequency})
		}
	}
	for i := range c.Radio.Channels {
		ch := &c.Radio.Channels[i]
		if ch.SpreadingFactor == 0 {
			ch.SpreadingFactor = c.Radio.SpreadingFactor
		}
		if ch.Bandwidth == 0 {
			ch.Bandwidth = c.Radio.Bandwidth
		}
		if ch.CodingRate == 0 {
			ch.CodingRate = c.Radio.CodingRate
		}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DatabaseSQLite
	}
	if c.Database.Driver == DatabasePostgres && c.Database.MaxOpenConns <= 1 {
		c.Database.MaxOpenConns = 10
		c.Database.MaxIdleConns = 5
	}
	return nil
}

// Validate checks the configuration for values the radio cannot use.
func (c *Config) Validate() error {
	switch c.Radio.Driver {
	case DriverSPI, DriverSimulator:
	default:
		return fmt.Errorf("%w: radio driver %q", ErrInvalid, c.Radio.Driver)
	}
	if n := radio.DistinctFrequencies(c.Radio.Channels); c.Radio.Hop && n < radio.MinHopChannels {
		return fmt.Errorf("%w: hopping needs at least %d distinct channels, got %d",
			ErrInvalid, radio.MinHopChannels, n)
	}
	if len(c.Radio.Channels) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalid)
	}
	for i, ch := range c.Radio.Channels {
		mc := sx1276.ModemConfig{
			SpreadingFactor: ch.SpreadingFactor,
			Bandwidth:       ch.Bandwidth,
			CodingRate:      ch.CodingRate,
			LowDataRate:     sx1276.LowDataRateRequired(ch.SpreadingFactor),
		}
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("%w: channel %d: %w", ErrInvalid, i, err)
		}
		if ch.Frequency < sx1276.MinFrequency || ch.Frequency > sx1276.MaxFrequency {
			return fmt.Errorf("%w: channel %d: %w: %d Hz", ErrInvalid, i, sx1276.ErrBadFrequency, ch.Frequency)
		}
	}
	if c.Radio.Power < 2 || c.Radio.Power > 20 {
		return fmt.Errorf("%w: %w: %d dBm", ErrInvalid, sx1276.ErrBadPower, c.Radio.Power)
	}
	if _, err := radio.ParseReentryPolicy(c.Radio.Reentry); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for name, d := range map[string]time.Duration{
		"radio.hop_period":    c.Radio.HopPeriod,
		"radio.scan_interval": c.Radio.ScanInterval,
		"radio.cad_window":    c.Radio.CADWindow,
		"radio.rx_window":     c.Radio.RXWindow,
		"timing.lead":         c.Timing.Lead,
		"timing.max_lead":     c.Timing.MaxLead,
	} {
		if d < 0 || d > maxClockSpan {
			return fmt.Errorf("%w: %s %s outside 0..%s", ErrInvalid, name, d, maxClockSpan)
		}
	}
	if off := c.Timing.TxOffset; off < -maxClockSpan || off > maxClockSpan {
		return fmt.Errorf("%w: timing.tx_offset %s outside ±%s", ErrInvalid, off, maxClockSpan)
	}
	if c.Stats.HistorySize <= 0 {
		return fmt.Errorf("%w: stats history size must be positive", ErrInvalid)
	}
	if c.Stats.RetainPackets < 0 {
		return fmt.Errorf("%w: retain_packets must not be negative", ErrInvalid)
	}
	for i, s := range c.Servers {
		if s.Address == "" {
			return fmt.Errorf("%w: server %d has no address", ErrInvalid, i)
		}
		if s.Version != 1 && s.Version != 2 {
			return fmt.Errorf("%w: server %s protocol version %d", ErrInvalid, s.Address, s.Version)
		}
	}
	switch c.Database.Driver {
	case DatabaseSQLite, DatabasePostgres:
	default:
		return fmt.Errorf("%w: database driver %q", ErrInvalid, c.Database.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// RadioControl converts the radio and timing sections for the state machine.
func (c *Config) RadioControl() (radio.Config, error) {
	policy, err := radio.ParseReentryPolicy(c.Radio.Reentry)
	if err != nil {
		return radio.Config{}, err
	}
	rc := radio.DefaultConfig()
	rc.Settings = sx1276.Settings{
		SyncWord:      c.Radio.SyncWord,
		Power:         c.Radio.Power,
		Preamble:      c.Radio.Preamble,
		SymbolTimeout: c.Radio.SymbolTimeout,
	}
	rc.Channels = append([]models.Channel(nil), c.Radio.Channels...)
	rc.Hop = c.Radio.Hop
	rc.HopPeriod = micros(c.Radio.HopPeriod)
	rc.ScanInterval = micros(c.Radio.ScanInterval)
	rc.CADWindow = micros(c.Radio.CADWindow)
	rc.RXWindow = micros(c.Radio.RXWindow)
	rc.Detector = c.Radio.CAD
	rc.Timing = radio.Corrector{
		Offset:  int32(c.Timing.TxOffset / time.Microsecond),
		Lead:    micros(c.Timing.Lead),
		MaxLead: micros(c.Timing.MaxLead),
	}
	rc.Reentry = policy
	rc.PollIRQ = c.Radio.PollIRQ || c.Radio.Driver == DriverSimulator
	rc.PollInterval = c.Radio.PollInterval

	// narrow downlink frequencies to the region when the plan fits in it
	if region, err := lorawan.GetRegionConfiguration(c.Radio.Region); err == nil {
		inside := true
		for _, ch := range rc.Channels {
			inside = inside && region.ValidFrequency(ch.Frequency)
		}
		if inside {
			rc.MinFrequency, rc.MaxFrequency = region.MinFrequency, region.MaxFrequency
		}
	}
	return rc, nil
}

// EnabledServers returns the servers to forward to.
func (c *Config) EnabledServers() []ServerConfig {
	var out []ServerConfig
	for _, s := range c.Servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// PrintConfigSummary writes a human readable overview of the configuration.
func (c *Config) PrintConfigSummary(w io.Writer) {
	fmt.Fprintf(w, "=== Single Channel Gateway Configuration ===\n")
	fmt.Fprintf(w, "Gateway EUI: %s\n", c.Gateway.EUI)
	fmt.Fprintf(w, "Radio: driver=%s region=%s power=%d dBm\n", c.Radio.Driver, c.Radio.Region, c.Radio.Power)
	if c.Radio.Hop {
		fmt.Fprintf(w, "Channels (hopping every %s):\n", c.Radio.HopPeriod)
	} else {
		fmt.Fprintf(w, "Channels:\n")
	}
	for i, ch := range c.Radio.Channels {
		fmt.Fprintf(w, "  CH%d: %s\n", i, ch)
	}
	fmt.Fprintf(w, "Servers:\n")
	for _, s := range c.Servers {
		state := "disabled"
		if s.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(w, "  %s v%d (%s)\n", s.Address, s.Version, state)
	}
	fmt.Fprintf(w, "Database: %s\n", c.Database.Driver)
	if c.Events.NATS.URL != "" {
		fmt.Fprintf(w, "NATS: %s\n", c.Events.NATS.URL)
	}
	if c.Events.MQTT.Broker != "" {
		fmt.Fprintf(w, "MQTT: %s\n", c.Events.MQTT.Broker)
	}
	fmt.Fprintf(w, "API: %s:%d\n", c.API.Host, c.API.Port)
}

// maxClockSpan is the longest interval the wrapping µs clock compares
// correctly; longer ones would wrap.
const maxClockSpan = time.Duration(math.MaxInt32) * time.Microsecond

func micros(d time.Duration) uint32 {
	return uint32(d / time.Microsecond)
}
