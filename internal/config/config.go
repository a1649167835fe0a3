// Package config loads the bridge configuration. Values come from the
// defaults, then the YAML file, then WEMO_* environment variables, and are
// validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/wemo-bridge/internal/logic"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Events    EventsConfig    `yaml:"events"`
	Devices   DevicesConfig   `yaml:"devices"`
	Timers    TimersConfig    `yaml:"timers"`
	HomeKit   HomeKitConfig   `yaml:"homekit"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	GPIO      GPIOConfig      `yaml:"gpio"`
}

// DiscoveryConfig controls how devices are found.
type DiscoveryConfig struct {
	// Enabled turns on SSDP search. Manual URLs are always loaded.
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"`
	StartupTimeout      time.Duration `yaml:"startup_timeout"`
	SearchWait          time.Duration `yaml:"search_wait"`
	LocalAddr           string        `yaml:"local_addr"`
	UnreachableAfter    int           `yaml:"unreachable_after"`
	ExpectedAccessories int           `yaml:"expected_accessories"`
	Ignore              []string      `yaml:"ignore"`
	Manual              []string      `yaml:"manual"`
}

// EventsConfig controls the GENA callback server.
type EventsConfig struct {
	Listen string `yaml:"listen"`
	// CallbackURL is the base URL devices use to reach Listen. Empty means
	// the first non-loopback IPv4 address with the listen port.
	CallbackURL         string        `yaml:"callback_url"`
	SubscriptionTimeout time.Duration `yaml:"subscription_timeout"`
	RenewInterval       time.Duration `yaml:"renew_interval"`
}

// DevicesConfig bounds device commands.
type DevicesConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TimersConfig holds the accessory timers, in seconds.
type TimersConfig struct {
	NoMotion int `yaml:"no_motion"`
	DoorOpen int `yaml:"door_open"`
}

// HomeKitConfig configures the HAP server.
type HomeKitConfig struct {
	Name     string `yaml:"name"`
	Pin      string `yaml:"pin"`
	Addr     string `yaml:"addr"`
	StoreDir string `yaml:"store_dir"`
}

// MQTTConfig configures the state mirror.
type MQTTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"client_id"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// InfluxDBConfig configures power history.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// Control enables the set endpoint.
	Control bool `yaml:"control"`
}

// StoreConfig configures the device cache.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GPIOConfig configures a locally wired door contact.
type GPIOConfig struct {
	Enabled bool   `yaml:"enabled"`
	Chip    string `yaml:"chip"`
	Pin     int    `yaml:"pin"`
	// Accessory is the id of the Maker the contact belongs to.
	Accessory string        `yaml:"accessory"`
	Poll      time.Duration `yaml:"poll"`
	Debounce  time.Duration `yaml:"debounce"`
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with the stock settings.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Enabled:          true,
			Interval:         60 * time.Second,
			StartupTimeout:   10 * time.Second,
			SearchWait:       5 * time.Second,
			UnreachableAfter: 3,
		},
		Events: EventsConfig{
			Listen:              ":1225",
			SubscriptionTimeout: 300 * time.Second,
			RenewInterval:       30 * time.Second,
		},
		Devices: DevicesConfig{
			CommandTimeout: 10 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Timers: TimersConfig{
			NoMotion: 60,
			DoorOpen: 20,
		},
		HomeKit: HomeKitConfig{
			Name:     "WeMo Bridge",
			Pin:      "00102003",
			StoreDir: "./data/homekit",
		},
		MQTT: MQTTConfig{
			Broker:    "tcp://localhost:1883",
			Heartbeat: 15 * time.Minute,
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Bucket: "wemo",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Store: StoreConfig{
			Path: "./data/wemo.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		GPIO: GPIOConfig{
			Chip:     "gpiochip0",
			Poll:     100 * time.Millisecond,
			Debounce: 250 * time.Millisecond,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WEMO_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WEMO_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("WEMO_HOMEKIT_PIN"); v != "" {
		cfg.HomeKit.Pin = v
	}
	if v := os.Getenv("WEMO_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("WEMO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WEMO_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

var pinPattern = regexp.MustCompile(`^\d{8}$`)

// Validate checks the configuration for errors. Every failure is reported
// in one error wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []string

	if c.Discovery.Interval <= 0 {
		errs = append(errs, "discovery.interval must be positive")
	}
	if c.Discovery.StartupTimeout <= 0 {
		errs = append(errs, "discovery.startup_timeout must be positive")
	}
	if c.Discovery.UnreachableAfter < 1 {
		errs = append(errs, "discovery.unreachable_after must be at least 1")
	}
	if !c.Discovery.Enabled && len(c.Discovery.Manual) == 0 {
		errs = append(errs, "discovery.manual is required when discovery is disabled")
	}
	for _, u := range c.Discovery.Manual {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Sprintf("discovery.manual: %q is not an http URL", u))
		}
	}

	if c.Events.Listen == "" {
		errs = append(errs, "events.listen is required")
	}

	if c.Devices.CommandTimeout <= 0 || c.Devices.RequestTimeout <= 0 {
		errs = append(errs, "devices timeouts must be positive")
	}

	if c.Timers.NoMotion < 0 {
		errs = append(errs, "timers.no_motion must not be negative")
	}
	if c.Timers.DoorOpen <= 0 {
		errs = append(errs, "timers.door_open must be positive")
	}

	if !pinPattern.MatchString(c.HomeKit.Pin) {
		errs = append(errs, "homekit.pin must be 8 digits")
	}
	if c.HomeKit.StoreDir == "" {
		errs = append(errs, "homekit.store_dir is required")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, org and bucket are required when influxdb is enabled")
		}
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required when http is enabled")
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, "logging.format must be text or json")
	}

	if c.GPIO.Enabled {
		if c.GPIO.Accessory == "" {
			errs = append(errs, "gpio.accessory is required when gpio is enabled")
		}
		if c.GPIO.Pin < 0 {
			errs = append(errs, "gpio.pin must not be negative")
		}
		if c.GPIO.Poll <= 0 {
			errs = append(errs, "gpio.poll must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Logic converts the timer section to the accessory timer settings.
func (t TimersConfig) Logic() logic.Config {
	cfg := logic.DefaultConfig()
	cfg.NoMotion = time.Duration(t.NoMotion) * time.Second
	cfg.DoorOpen = time.Duration(t.DoorOpen) * time.Second
	return cfg
}
