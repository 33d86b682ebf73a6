// Package config loads the daly-ble YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/daly-ble/internal/ble"
	"github.com/chaz8081/daly-ble/internal/ble/protocol"
	"github.com/chaz8081/daly-ble/internal/log"
	"github.com/chaz8081/daly-ble/internal/telemetry"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Protocol string        `yaml:"protocol"` // "checksum" or "crc"
	Commands []int         `yaml:"commands"` // empty means the protocol's default set
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Read     ReadConfig    `yaml:"read"`
	Tick     time.Duration `yaml:"tick"`
	Log      log.Options   `yaml:"log"`
	Metrics  MetricsConfig `yaml:"metrics"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	Report   ReportConfig  `yaml:"report"`
}

// DeviceConfig selects the BMS to talk to.
type DeviceConfig struct {
	Address   string   `yaml:"address"`
	Name      string   `yaml:"name"`
	NameHints []string `yaml:"name_hints"`
}

// ScanConfig controls discovery.
type ScanConfig struct {
	Interval time.Duration `yaml:"interval"`
	Duration time.Duration `yaml:"duration"`
}

// ConnectConfig controls the connect gate and failure budget.
type ConnectConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxFailures int           `yaml:"max_failures"`
	Auto        bool          `yaml:"auto"`
}

// ReadConfig controls telemetry polling.
type ReadConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MQTTConfig controls snapshot publishing.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Topic     string `yaml:"topic"`
	QoS       byte   `yaml:"qos"`
	Retain    bool   `yaml:"retain"`
}

// ReportConfig controls what the monitor prints after each read.
type ReportConfig struct {
	Format  string `yaml:"format"` // "json", "status" or "none"
	CSVPath string `yaml:"csv_path"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "daly-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the reference timings.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			NameHints: append([]string(nil), ble.DefaultNameHints...),
		},
		Protocol: protocol.VariantChecksum.String(),
		Scan: ScanConfig{
			Interval: 30 * time.Second,
			Duration: 10 * time.Second,
		},
		Connect: ConnectConfig{
			MinInterval: 10 * time.Second,
			MaxFailures: 5,
			Auto:        true,
		},
		Read: ReadConfig{
			Interval:        5 * time.Second,
			ResponseTimeout: time.Second,
		},
		Tick: time.Second,
		Log:  *log.NewOptions(),
		Metrics: MetricsConfig{
			Addr: ":9108",
		},
		MQTT: MQTTConfig{
			BrokerURL: "mqtt://localhost:1883",
			ClientID:  "daly-ble",
			Topic:     "daly/bms",
			Retain:    true,
		},
		Report: ReportConfig{
			Format: "json",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields keep their
// defaults. Tilde (~) in report.csv_path is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Report.CSVPath = expandTilde(cfg.Report.CSVPath)
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when path is the
// default location and no file exists there.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath() {
		return Default(), nil
	}
	return cfg, err
}

// Variant parses the protocol field.
func (c *Config) Variant() (protocol.Variant, error) {
	return protocol.ParseVariant(c.Protocol)
}

// CommandIDs returns the commands read on every poll.
func (c *Config) CommandIDs() []protocol.CommandID {
	if len(c.Commands) == 0 {
		v, _ := c.Variant()
		return DefaultCommands(v)
	}
	out := make([]protocol.CommandID, len(c.Commands))
	for i, id := range c.Commands {
		out[i] = protocol.CommandID(id)
	}
	return out
}

// DefaultCommands is the poll set for each wire format.
func DefaultCommands(v protocol.Variant) []protocol.CommandID {
	if v == protocol.VariantCRC {
		return []protocol.CommandID{protocol.CmdMainInfo}
	}
	return []protocol.CommandID{
		protocol.CmdVoltageCurrentSOC,
		protocol.CmdCellVoltageRange,
		protocol.CmdTemperatureRange,
		protocol.CmdMOSStatus,
		protocol.CmdStatusInfo,
	}
}

// Target is the discovery filter described by the device section.
func (c *Config) Target() ble.Target {
	return ble.Target{
		Address:   c.Device.Address,
		Name:      c.Device.Name,
		NameHints: c.Device.NameHints,
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	v, err := c.Variant()
	if err != nil {
		return fmt.Errorf("protocol must be \"checksum\" or \"crc\", got %q", c.Protocol)
	}
	for _, id := range c.Commands {
		if id < 0 || id > 0xFF {
			return fmt.Errorf("commands: %d is not a one-byte command id", id)
		}
	}
	for _, id := range c.CommandIDs() {
		if !telemetry.Supported(v, id) {
			return fmt.Errorf("commands: %s is not a %s telemetry command", id, v)
		}
	}

	if c.Device.Address == "" && c.Device.Name == "" && len(c.Device.NameHints) == 0 {
		return fmt.Errorf("device: one of address, name or name_hints is required")
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}
	if c.Scan.Interval < c.Scan.Duration {
		return fmt.Errorf("scan.interval must be >= scan.duration")
	}
	if c.Connect.MinInterval < 0 {
		return fmt.Errorf("connect.min_interval must be >= 0")
	}
	if c.Connect.MaxFailures <= 0 {
		return fmt.Errorf("connect.max_failures must be > 0")
	}
	if c.Read.Interval <= 0 {
		return fmt.Errorf("read.interval must be > 0")
	}
	if c.Read.ResponseTimeout <= 0 {
		return fmt.Errorf("read.response_timeout must be > 0")
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be > 0")
	}

	if errs := c.Log.Validate(); len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must not be empty when metrics are enabled")
	}

	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt.broker_url must not be empty when mqtt is enabled")
		}
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic must not be empty when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	switch c.Report.Format {
	case "json", "status", "none":
	default:
		return fmt.Errorf("report.format must be json, status or none, got %q", c.Report.Format)
	}
	return nil
}

// WriteDefault writes the default config to DefaultConfigPath unless a file
// already exists there. It returns the path written, or "" if it did nothing.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# daly-ble configuration\n# protocol: checksum (13-byte A5 frames) or crc (129-byte D2 03 frames)\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
