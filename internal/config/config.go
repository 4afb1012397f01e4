// Package config loads sonicared configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trymwestin/sonicare/internal/core/entry"
)

// Config holds all application configuration.
type Config struct {
	Entries   []entry.Entry   `yaml:"entries"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`

	envErrs []error
}

// BluetoothConfig holds adapter and scan cache settings.
type BluetoothConfig struct {
	Adapter          string        `yaml:"adapter"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	DeviceTimeout    time.Duration `yaml:"device_timeout"`
	UnavailableAfter time.Duration `yaml:"unavailable_after"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	NodeID          string `yaml:"node_id"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// StoreConfig holds SQLite configuration.
type StoreConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig holds optional InfluxDB configuration.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Bluetooth: BluetoothConfig{
			StaleAfter:       10 * time.Minute,
			DeviceTimeout:    30 * time.Second,
			UnavailableAfter: 15 * time.Minute,
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "sonicare",
			DiscoveryPrefix: "homeassistant",
			NodeID:          "sonicared",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Path:        "/data/sonicare.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EntryID derives a stable entry id from a device address.
func EntryID(address string) string {
	return "sonicare_" + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(address)), ":", "")
}

func (c *Config) normalize() {
	for i := range c.Entries {
		e := &c.Entries[i]
		e.Address = strings.ToUpper(strings.TrimSpace(e.Address))
		if e.ID == "" && e.Address != "" {
			e.ID = EntryID(e.Address)
		}
		if e.Mode == "" {
			e.Mode = entry.ModeActive
		}
		if e.Title == "" {
			e.Title = "Sonicare " + e.Address
		}
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)
	seen := make(map[string]bool)
	for i, e := range c.Entries {
		if e.Address == "" {
			errs = append(errs, fmt.Errorf("config: entries[%d]: missing address", i))
			continue
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Errorf("config: entries[%d]: duplicate id %q", i, e.ID))
		}
		seen[e.ID] = true
		if !e.Mode.Valid() {
			errs = append(errs, fmt.Errorf("config: entries[%d]: unknown mode %q", i, e.Mode))
		}
		if e.PollInterval < 0 {
			errs = append(errs, fmt.Errorf("config: entries[%d]: negative poll_interval", i))
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("config: mqtt: enabled without broker"))
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Bucket == "") {
		errs = append(errs, errors.New("config: history: enabled without url or bucket"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("config: store: missing path"))
	}
	return errors.Join(errs...)
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SONICARE_ADDRESS"); v != "" && len(cfg.Entries) == 0 {
		cfg.Entries = append(cfg.Entries, entry.Entry{
			Address: v,
			Title:   os.Getenv("SONICARE_TITLE"),
			Mode:    entry.Mode(os.Getenv("SONICARE_MODE")),
		})
	}
	if v := os.Getenv("SONICARE_BLUETOOTH_ADAPTER"); v != "" {
		cfg.Bluetooth.Adapter = v
	}
	cfg.envDuration("SONICARE_BLUETOOTH_STALE_AFTER", &cfg.Bluetooth.StaleAfter)
	cfg.envDuration("SONICARE_BLUETOOTH_DEVICE_TIMEOUT", &cfg.Bluetooth.DeviceTimeout)
	cfg.envDuration("SONICARE_BLUETOOTH_UNAVAILABLE_AFTER", &cfg.Bluetooth.UnavailableAfter)
	if v := os.Getenv("SONICARE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SONICARE_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("SONICARE_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("SONICARE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("SONICARE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("SONICARE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SONICARE_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("SONICARE_MQTT_DISCOVERY_PREFIX"); v != "" {
		cfg.MQTT.DiscoveryPrefix = v
	}
	if v := os.Getenv("SONICARE_MQTT_NODE_ID"); v != "" {
		cfg.MQTT.NodeID = v
	}
	if v := os.Getenv("SONICARE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SONICARE_HISTORY_ENABLED"); v != "" {
		cfg.History.Enabled = parseBool(v)
	}
	if v := os.Getenv("SONICARE_HISTORY_URL"); v != "" {
		cfg.History.URL = v
	}
	if v := os.Getenv("SONICARE_HISTORY_TOKEN"); v != "" {
		cfg.History.Token = v
	}
	if v := os.Getenv("SONICARE_HISTORY_ORG"); v != "" {
		cfg.History.Org = v
	}
	if v := os.Getenv("SONICARE_HISTORY_BUCKET"); v != "" {
		cfg.History.Bucket = v
	}
	if v := os.Getenv("SONICARE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SONICARE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SONICARE_LOG_OUTPUT"); v != "" {
		cfg.Log.Output = v
	}
}

// envDuration sets *dst from the named variable. Parse failures are kept
// for Validate.
func (c *Config) envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Errorf("config: %s: %w", name, err))
		return
	}
	*dst = d
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
