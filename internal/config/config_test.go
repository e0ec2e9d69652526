package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occupancy.report/internal/presence"
	"github.com/banshee-data/occupancy.report/internal/rssi"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1.0, cfg.Presence.RadiusM)
	assert.Equal(t, 8*time.Second, cfg.Presence.TTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.TTLGrace)
	assert.Equal(t, "iphone", cfg.Presence.NameFilter)
	assert.True(t, cfg.Presence.ExitOnEvict)

	assert.Equal(t, "http://127.0.0.1:8000", cfg.Reporter.BaseURL)
	assert.Equal(t, "aaa", cfg.Reporter.BusID)
	assert.Equal(t, 5*time.Second, cfg.Reporter.Timeout)

	assert.Equal(t, FeedSerial, cfg.Feed.Kind)
	assert.Equal(t, 115200, cfg.Feed.Serial.BaudRate)
	assert.Equal(t, ":8000", cfg.Ledger.Listen)
	assert.Equal(t, time.Second, cfg.Ledger.PollTimeout)
	assert.False(t, cfg.Ledger.Kafka.Enabled())
}

func TestDefault_TrackerMatchesPresenceDefaults(t *testing.T) {
	assert.Equal(t, presence.DefaultConfig(), Default().Presence.Tracker())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "aaa", cfg.Reporter.BusID)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "scanner.yaml", `
presence:
  radius_m: 2.5
  ttl: 12s
  ema_alpha: 0.99
  name_filter: ""
reporter:
  base_url: https://ledger.example
  bus_id: route-7
feed:
  kind: mqtt
  mqtt:
    broker: tcp://mqtt:1883
    topic: radios/+/obs
    qos: 1
ledger:
  kafka:
    brokers: [k1:9092, k2:9092]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.Presence.RadiusM)
	assert.Equal(t, 12*time.Second, cfg.Presence.TTL)
	assert.Equal(t, "", cfg.Presence.NameFilter)
	assert.Equal(t, "route-7", cfg.Reporter.BusID)
	assert.Equal(t, FeedMQTT, cfg.Feed.Kind)
	assert.Equal(t, byte(1), cfg.Feed.MQTT.QoS)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Ledger.Kafka.Brokers)
	assert.Equal(t, "bus-counts", cfg.Ledger.Kafka.Topic)

	// untouched keys keep their defaults
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.TTLGrace)

	// alpha is clamped when converted
	assert.Equal(t, rssi.MaxAlpha, cfg.Presence.Tracker().Smoothing.Alpha)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "ledger.json", `{"ledger": {"listen": ":9000", "db_path": "/tmp/x.db"}, "feed": {"serial": {"port": "/dev/ttyACM0", "parity": "even"}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Ledger.Listen)
	assert.Equal(t, "/dev/ttyACM0", cfg.Feed.Serial.Port)
	assert.Equal(t, "even", cfg.Feed.Serial.Parity)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OCCUPANCY_PRESENCE_RADIUS_M", "3")
	t.Setenv("OCCUPANCY_REPORTER_BUS_ID", "env-bus")
	t.Setenv("OCCUPANCY_LEDGER_POLL_TIMEOUT", "250ms")
	t.Setenv("OCCUPANCY_PRESENCE_EXIT_ON_EVICT", "false")

	path := writeFile(t, "c.yaml", "reporter:\n  bus_id: file-bus\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3.0, cfg.Presence.RadiusM)
	assert.Equal(t, "env-bus", cfg.Reporter.BusID)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.PollTimeout)
	assert.False(t, cfg.Presence.ExitOnEvict)
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to stat")

	_, err = Load(writeFile(t, "config.txt", "x"))
	assert.ErrorContains(t, err, "must be .yaml")

	_, err = Load(writeFile(t, "bad.yaml", "presence: [unclosed"))
	assert.ErrorContains(t, err, "failed to read config file")

	big := writeFile(t, "big.json", "{\"pad\": \""+strings.Repeat("x", maxFileSize)+"\"}")
	_, err = Load(big)
	assert.ErrorContains(t, err, "too large")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"radius", func(c *Config) { c.Presence.RadiusM = 0 }, "radius_m"},
		{"path loss", func(c *Config) { c.Presence.PathLossN = -1 }, "path_loss_n"},
		{"tx range", func(c *Config) { c.Presence.TxPowerMin = -20 }, "tx_power_min"},
		{"ttl", func(c *Config) { c.Presence.TTL = 0 }, "presence.ttl"},
		{"grace", func(c *Config) { c.Presence.TTLGrace = -time.Second }, "ttl_grace"},
		{"tick", func(c *Config) { c.Presence.Tick = 0 }, "presence.tick"},
		{"outlier", func(c *Config) { c.Presence.OutlierDB = -1 }, "outlier_db"},
		{"base url scheme", func(c *Config) { c.Reporter.BaseURL = "ftp://x" }, "base_url"},
		{"base url host", func(c *Config) { c.Reporter.BaseURL = "http://" }, "base_url"},
		{"bus id", func(c *Config) { c.Reporter.BusID = " " }, "bus_id"},
		{"timeout", func(c *Config) { c.Reporter.Timeout = 0 }, "reporter.timeout"},
		{"serial port", func(c *Config) { c.Feed.Serial.Port = "" }, "feed.serial.port"},
		{"serial parity", func(c *Config) { c.Feed.Serial.Parity = "X" }, "parity"},
		{"mqtt topic", func(c *Config) { c.Feed.Kind = FeedMQTT; c.Feed.MQTT.Topic = "" }, "feed.mqtt"},
		{"mqtt qos", func(c *Config) { c.Feed.Kind = FeedMQTT; c.Feed.MQTT.QoS = 3 }, "qos"},
		{"replay path", func(c *Config) { c.Feed.Kind = FeedReplay }, "feed.replay.path"},
		{"replay interval", func(c *Config) { c.Feed.Kind = FeedReplay; c.Feed.Replay.Path = "x.log"; c.Feed.Replay.Interval = 0 }, "feed.replay.interval"},
		{"feed kind", func(c *Config) { c.Feed.Kind = "radio" }, "unknown feed.kind"},
		{"listen", func(c *Config) { c.Ledger.Listen = "" }, "ledger.listen"},
		{"db path", func(c *Config) { c.Ledger.DBPath = "" }, "ledger.db_path"},
		{"kafka topic", func(c *Config) { c.Ledger.Kafka.Brokers = []string{"k:9092"}; c.Ledger.Kafka.Topic = "" }, "kafka.topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_SectionsAreIndependent(t *testing.T) {
	cfg := Default()
	cfg.Feed.Kind = FeedReplay
	cfg.Reporter.BaseURL = ""
	require.NoError(t, cfg.ValidateLedger())
	assert.ErrorContains(t, cfg.ValidateScanner(), "base_url")
	assert.ErrorContains(t, cfg.Validate(), "base_url")

	cfg = Default()
	cfg.Ledger.DBPath = ""
	require.NoError(t, cfg.ValidateScanner())
	assert.ErrorContains(t, cfg.ValidateLedger(), "ledger.db_path")
}

func TestLoad_DefersValidation(t *testing.T) {
	path := writeFile(t, "ledger.yaml", "feed:\n  kind: replay\nledger:\n  listen: \":9100\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, FeedReplay, cfg.Feed.Kind)
	require.NoError(t, cfg.ValidateLedger())
	assert.ErrorContains(t, cfg.ValidateScanner(), "feed.replay.path")
}

func TestLedgerOptions(t *testing.T) {
	opts := Default().Ledger.LedgerOptions()
	assert.Equal(t, 256, opts.PublishQueue)
	assert.Equal(t, time.Second, opts.PollTimeout)
}
