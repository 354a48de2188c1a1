// Package config handles envnode configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/envnode/config.yaml, /etc/envnode/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "envnode", "config.yaml"))
	}

	paths = append(paths, "/etc/envnode/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all envnode configuration.
type Config struct {
	Device    DeviceConfig  `yaml:"device"`
	WiFi      WiFiConfig    `yaml:"wifi"`
	NTP       NTPConfig     `yaml:"ntp"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Sensors   SensorsConfig `yaml:"sensors"`
	Display   DisplayConfig `yaml:"display"`
	Power     PowerConfig   `yaml:"power"`
	Loop      LoopConfig    `yaml:"loop"`
	Metrics   MetricsConfig `yaml:"metrics"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// DeviceConfig names this node. Name appears in every telemetry
// payload as device.name and in broker topics.
type DeviceConfig struct {
	Name string `yaml:"name"`
}

// WiFiConfig defines station-mode association settings. When SSID is
// empty the node assumes a wired link on Interface and never issues
// association requests.
type WiFiConfig struct {
	Interface string `yaml:"interface"`
	SSID      string `yaml:"ssid"`
	Password  string `yaml:"password"`
	Hostname  string `yaml:"hostname"`
}

// Configured reports whether wireless association is enabled.
func (c WiFiConfig) Configured() bool {
	return c.SSID != ""
}

// NTPConfig defines network time synchronization.
type NTPConfig struct {
	Server          string `yaml:"server"`
	QueryTimeoutSec int    `yaml:"query_timeout_sec"`
	// Clock selects where the synchronized time is committed: "system"
	// sets the kernel clock (requires CAP_SYS_TIME), "process" keeps a
	// process-local offset.
	Clock string `yaml:"clock"`
	// RetryFailed re-issues the query when a sync attempt fails instead
	// of waiting on it forever.
	RetryFailed bool `yaml:"retry_failed"`
}

// MQTTConfig defines the broker session and telemetry topic.
type MQTTConfig struct {
	Broker            string        `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Topic             string        `yaml:"topic"`
	DiscoveryPrefix   string        `yaml:"discovery_prefix"`
	PublishPeriod     int           `yaml:"publish_period"` // in ticks
	ConnectTimeoutSec int           `yaml:"connect_timeout_sec"`
	SessionBackoff    BackoffConfig `yaml:"session_backoff"`
}

// Configured reports whether a broker has been configured.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// BackoffConfig enables exponential spacing of retries, counted in
// ticks. Disabled means one attempt every tick.
type BackoffConfig struct {
	Enabled      bool    `yaml:"enabled"`
	InitialTicks int     `yaml:"initial_ticks"`
	MaxTicks     int     `yaml:"max_ticks"`
	Multiplier   float64 `yaml:"multiplier"`
}

// SensorsConfig lists the sensors attached to the I²C bus.
type SensorsConfig struct {
	Bus string `yaml:"bus"` // periph bus name, "" selects the first available
	// DemoteAfterFailures moves a Ready sensor to Faulted after this
	// many consecutive read failures. 0 keeps it Ready forever.
	DemoteAfterFailures int            `yaml:"demote_after_failures"`
	InitBackoff         BackoffConfig  `yaml:"init_backoff"`
	Devices             []SensorDevice `yaml:"devices"`
}

// SensorDevice is one configured sensor.
type SensorDevice struct {
	Kind    string `yaml:"kind"` // sht4x, bmp280, scd4x
	Address uint16 `yaml:"address"`
}

// DisplayConfig selects the local display.
type DisplayConfig struct {
	Mode   string `yaml:"mode"`   // console or none
	Output string `yaml:"output"` // console device, e.g. /dev/tty1; "" draws on stderr
}

// PowerConfig defines the power button, battery gauge, and halt action.
type PowerConfig struct {
	ButtonPin string `yaml:"button_pin"` // GPIO name, "" disables the button
	Battery   string `yaml:"battery"`    // power_supply name under /sys/class
	HaltMode  string `yaml:"halt_mode"`  // poweroff or exit
}

// LoopConfig defines the orchestrator cadence.
type LoopConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms"`
}

// MetricsConfig defines the optional Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9108", "" disables
}

// Load reads configuration from a YAML file. A .env file next to the
// config, if present, is loaded into the environment first so secrets
// can be referenced as ${VAR}.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{Name: "envnode"},
		WiFi:   WiFiConfig{Interface: "wlan0"},
		NTP: NTPConfig{
			Server:          "pool.ntp.org",
			QueryTimeoutSec: 5,
			Clock:           "system",
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix:   "homeassistant",
			PublishPeriod:     10,
			ConnectTimeoutSec: 5,
		},
		Sensors: SensorsConfig{
			Devices: []SensorDevice{
				{Kind: "sht4x", Address: 0x44},
				{Kind: "bmp280", Address: 0x76},
			},
		},
		Display:  DisplayConfig{Mode: "none"},
		Power:    PowerConfig{HaltMode: "poweroff"},
		Loop:     LoopConfig{TickIntervalMS: 1000},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Validate checks the configuration for values that would make the
// node misbehave at runtime rather than merely fail to connect.
func (c *Config) Validate() error {
	var errs []error

	if c.Device.Name == "" {
		errs = append(errs, errors.New("device.name must not be empty"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Loop.TickIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("loop.tick_interval_ms must be positive, got %d", c.Loop.TickIntervalMS))
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		case u.Scheme != "mqtt" && u.Scheme != "tcp" && u.Scheme != "mqtts" && u.Scheme != "ssl":
			errs = append(errs, fmt.Errorf("mqtt.broker scheme %q must be mqtt, tcp, mqtts or ssl", u.Scheme))
		case u.Hostname() == "":
			errs = append(errs, fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker))
		}
		if c.MQTT.PublishPeriod <= 0 {
			errs = append(errs, fmt.Errorf("mqtt.publish_period must be positive, got %d", c.MQTT.PublishPeriod))
		}
	}
	switch c.NTP.Clock {
	case "system", "process":
	default:
		errs = append(errs, fmt.Errorf("ntp.clock %q must be system or process", c.NTP.Clock))
	}
	switch c.Display.Mode {
	case "", "none", "console":
	default:
		errs = append(errs, fmt.Errorf("display.mode %q must be console or none", c.Display.Mode))
	}
	switch c.Power.HaltMode {
	case "poweroff", "exit":
	default:
		errs = append(errs, fmt.Errorf("power.halt_mode %q must be poweroff or exit", c.Power.HaltMode))
	}

	seen := make(map[string]bool, len(c.Sensors.Devices))
	for i, d := range c.Sensors.Devices {
		if d.Kind == "" {
			errs = append(errs, fmt.Errorf("sensors.devices[%d]: kind must not be empty", i))
			continue
		}
		if seen[d.Kind] {
			errs = append(errs, fmt.Errorf("sensors.devices[%d]: duplicate kind %q", i, d.Kind))
		}
		seen[d.Kind] = true
	}

	return errors.Join(errs...)
}
