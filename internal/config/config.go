// Package config loads the scanner and ledger configuration from an optional
// file, OCCUPANCY_* environment variables and built-in defaults, in
// increasing order of precedence: defaults < file < environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/occupancy.report/internal/feed"
	"github.com/banshee-data/occupancy.report/internal/journal"
	"github.com/banshee-data/occupancy.report/internal/ledger"
	"github.com/banshee-data/occupancy.report/internal/presence"
	"github.com/banshee-data/occupancy.report/internal/reporter"
	"github.com/banshee-data/occupancy.report/internal/rssi"
	"github.com/banshee-data/occupancy.report/internal/serialmux"
)

// EnvPrefix prefixes every environment override, e.g.
// OCCUPANCY_PRESENCE_RADIUS_M=1.5.
const EnvPrefix = "OCCUPANCY"

// maxFileSize bounds config files accepted by Load.
const maxFileSize = 1 * 1024 * 1024

// Feed kinds.
const (
	FeedSerial = "serial"
	FeedMQTT   = "mqtt"
	FeedReplay = "replay"
)

type Config struct {
	Presence PresenceConfig  `mapstructure:"presence"`
	Reporter reporter.Config `mapstructure:"reporter"`
	Feed     FeedConfig      `mapstructure:"feed"`
	Scanner  ScannerConfig   `mapstructure:"scanner"`
	Ledger   LedgerConfig    `mapstructure:"ledger"`
}

// PresenceConfig holds the detection tunables.
type PresenceConfig struct {
	RadiusM         float64       `mapstructure:"radius_m"`
	PathLossN       float64       `mapstructure:"path_loss_n"`
	TxPowerFallback int           `mapstructure:"tx_power_fallback"`
	TxPowerMin      int           `mapstructure:"tx_power_min"`
	TxPowerMax      int           `mapstructure:"tx_power_max"`
	TTL             time.Duration `mapstructure:"ttl"`
	TTLGrace        time.Duration `mapstructure:"ttl_grace"`
	NameFilter      string        `mapstructure:"name_filter"`
	EMAAlpha        float64       `mapstructure:"ema_alpha"`
	OutlierDB       float64       `mapstructure:"outlier_db"`
	Tick            time.Duration `mapstructure:"tick"`
	WatchInterval   time.Duration `mapstructure:"watch_interval"`
	ExitOnEvict     bool          `mapstructure:"exit_on_evict"`
}

type FeedConfig struct {
	Kind   string           `mapstructure:"kind"`
	Serial SerialFeedConfig `mapstructure:"serial"`
	MQTT   feed.MQTTConfig  `mapstructure:"mqtt"`
	Replay ReplayConfig     `mapstructure:"replay"`
}

type SerialFeedConfig struct {
	Port                  string `mapstructure:"port"`
	serialmux.PortOptions `mapstructure:",squash"`
}

type ReplayConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

type ScannerConfig struct {
	// DebugListen serves /debug/ (entities, varz, serial tail). Empty disables it.
	DebugListen string `mapstructure:"debug_listen"`
}

type LedgerConfig struct {
	Listen         string         `mapstructure:"listen"`
	DebugListen    string         `mapstructure:"debug_listen"`
	DBPath         string         `mapstructure:"db_path"`
	RedisURL       string         `mapstructure:"redis_url"`
	RedisHealthTTL time.Duration  `mapstructure:"redis_health_ttl"`
	PublishQueue   int            `mapstructure:"publish_queue"`
	PollTimeout    time.Duration  `mapstructure:"poll_timeout"`
	Kafka          journal.Config `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	p := presence.DefaultConfig()
	v.SetDefault("presence.radius_m", p.Radius)
	v.SetDefault("presence.path_loss_n", p.Distance.PathLossN)
	v.SetDefault("presence.tx_power_fallback", p.Distance.FallbackPower)
	v.SetDefault("presence.tx_power_min", p.Distance.MinPower)
	v.SetDefault("presence.tx_power_max", p.Distance.MaxPower)
	v.SetDefault("presence.ttl", p.TTL)
	v.SetDefault("presence.ttl_grace", p.Grace)
	v.SetDefault("presence.name_filter", p.NameFilter)
	v.SetDefault("presence.ema_alpha", p.Smoothing.Alpha)
	v.SetDefault("presence.outlier_db", p.Smoothing.OutlierDB)
	v.SetDefault("presence.tick", p.TickInterval)
	v.SetDefault("presence.watch_interval", p.WatchInterval)
	v.SetDefault("presence.exit_on_evict", p.ExitOnEvict)

	r := reporter.DefaultConfig()
	v.SetDefault("reporter.base_url", r.BaseURL)
	v.SetDefault("reporter.bus_id", r.BusID)
	v.SetDefault("reporter.timeout", r.Timeout)
	v.SetDefault("reporter.workers", r.Workers)
	v.SetDefault("reporter.queue_size", r.QueueSize)

	v.SetDefault("feed.kind", FeedSerial)
	v.SetDefault("feed.serial.port", "/dev/ttyUSB0")
	v.SetDefault("feed.serial.baud_rate", serialmux.DefaultBaudRate)
	v.SetDefault("feed.serial.data_bits", 8)
	v.SetDefault("feed.serial.stop_bits", 1)
	v.SetDefault("feed.serial.parity", "N")
	v.SetDefault("feed.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("feed.mqtt.topic", "occupancy/observations")
	v.SetDefault("feed.mqtt.client_id", "occupancy-scanner")
	v.SetDefault("feed.mqtt.qos", 0)
	v.SetDefault("feed.replay.path", "")
	v.SetDefault("feed.replay.interval", 100*time.Millisecond)

	v.SetDefault("scanner.debug_listen", "127.0.0.1:8090")

	l := ledger.DefaultConfig()
	v.SetDefault("ledger.listen", ":8000")
	v.SetDefault("ledger.debug_listen", "127.0.0.1:8091")
	v.SetDefault("ledger.db_path", "occupancy.db")
	v.SetDefault("ledger.redis_url", "redis://localhost:6379/0")
	v.SetDefault("ledger.redis_health_ttl", 2*time.Second)
	v.SetDefault("ledger.publish_queue", l.PublishQueue)
	v.SetDefault("ledger.poll_timeout", l.PollTimeout)
	v.SetDefault("ledger.kafka.brokers", []string{})
	v.SetDefault("ledger.kafka.topic", "bus-counts")
	v.SetDefault("ledger.kafka.queue_size", journal.DefaultQueueSize)
}

// Default returns the built-in configuration, ignoring the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Load reads path (YAML, JSON or TOML, chosen by extension) over the
// defaults and applies environment overrides. An empty path uses defaults
// and environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		cleanPath := filepath.Clean(path)
		switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
		case ".yaml", ".yml", ".json", ".toml":
		default:
			return nil, fmt.Errorf("config file must be .yaml, .json or .toml, got %q", ext)
		}
		fileInfo, err := os.Stat(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if fileInfo.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
		}
		v.SetConfigFile(cleanPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// Validate checks every section. Each binary reads only part of the file,
// so cmd/scanner and cmd/ledger call ValidateScanner or ValidateLedger.
func (c *Config) Validate() error {
	if err := c.ValidateScanner(); err != nil {
		return err
	}
	return c.ValidateLedger()
}

// ValidateScanner checks the presence, reporter and feed sections.
func (c *Config) ValidateScanner() error {
	p := c.Presence
	if p.RadiusM <= 0 {
		return fmt.Errorf("presence.radius_m must be positive, got %g", p.RadiusM)
	}
	if p.PathLossN <= 0 {
		return fmt.Errorf("presence.path_loss_n must be positive, got %g", p.PathLossN)
	}
	if p.TxPowerMin > p.TxPowerMax {
		return fmt.Errorf("presence.tx_power_min %d exceeds tx_power_max %d", p.TxPowerMin, p.TxPowerMax)
	}
	if p.TTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive, got %s", p.TTL)
	}
	if p.TTLGrace < 0 {
		return fmt.Errorf("presence.ttl_grace must not be negative, got %s", p.TTLGrace)
	}
	if p.Tick <= 0 {
		return fmt.Errorf("presence.tick must be positive, got %s", p.Tick)
	}
	if p.OutlierDB < 0 {
		return fmt.Errorf("presence.outlier_db must not be negative, got %g", p.OutlierDB)
	}

	if err := validateBaseURL(c.Reporter.BaseURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.Reporter.BusID) == "" {
		return fmt.Errorf("reporter.bus_id is required")
	}
	if c.Reporter.Timeout <= 0 {
		return fmt.Errorf("reporter.timeout must be positive, got %s", c.Reporter.Timeout)
	}

	switch c.Feed.Kind {
	case FeedSerial:
		if c.Feed.Serial.Port == "" {
			return fmt.Errorf("feed.serial.port is required for the serial feed")
		}
		if _, err := c.Feed.Serial.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("feed.serial: %w", err)
		}
	case FeedMQTT:
		if c.Feed.MQTT.Broker == "" || c.Feed.MQTT.Topic == "" {
			return fmt.Errorf("feed.mqtt.broker and feed.mqtt.topic are required for the mqtt feed")
		}
		if c.Feed.MQTT.QoS > 2 {
			return fmt.Errorf("feed.mqtt.qos must be 0, 1 or 2, got %d", c.Feed.MQTT.QoS)
		}
	case FeedReplay:
		if c.Feed.Replay.Path == "" {
			return fmt.Errorf("feed.replay.path is required for the replay feed")
		}
		if c.Feed.Replay.Interval <= 0 {
			return fmt.Errorf("feed.replay.interval must be positive, got %s", c.Feed.Replay.Interval)
		}
	default:
		return fmt.Errorf("unknown feed.kind %q: expected serial, mqtt or replay", c.Feed.Kind)
	}
	return nil
}

// ValidateLedger checks the ledger section.
func (c *Config) ValidateLedger() error {
	if c.Ledger.Listen == "" {
		return fmt.Errorf("ledger.listen is required")
	}
	if c.Ledger.DBPath == "" {
		return fmt.Errorf("ledger.db_path is required")
	}
	if c.Ledger.Kafka.Enabled() && strings.TrimSpace(c.Ledger.Kafka.Topic) == "" {
		return fmt.Errorf("ledger.kafka.topic is required when brokers are set")
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid reporter.base_url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("reporter.base_url must be an http(s) URL, got %q", raw)
	}
	return nil
}

// Tracker converts the presence section, clamping the smoothing factor.
func (p PresenceConfig) Tracker() presence.Config {
	return presence.Config{
		Radius:     p.RadiusM,
		TTL:        p.TTL,
		Grace:      p.TTLGrace,
		NameFilter: p.NameFilter,
		Smoothing: rssi.SmoothingParams{
			Alpha:     rssi.ClampAlpha(p.EMAAlpha),
			OutlierDB: p.OutlierDB,
		},
		Distance: rssi.DistanceParams{
			PathLossN:     p.PathLossN,
			FallbackPower: p.TxPowerFallback,
			MinPower:      p.TxPowerMin,
			MaxPower:      p.TxPowerMax,
			MinDistance:   rssi.DefaultDistance().MinDistance,
			MaxDistance:   rssi.DefaultDistance().MaxDistance,
		},
		TickInterval:  p.Tick,
		WatchInterval: p.WatchInterval,
		ExitOnEvict:   p.ExitOnEvict,
	}
}

// LedgerOptions returns the ledger tunables.
func (l LedgerConfig) LedgerOptions() ledger.Config {
	return ledger.Config{PublishQueue: l.PublishQueue, PollTimeout: l.PollTimeout}
}
