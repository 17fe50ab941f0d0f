// Package config loads devlink settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/devlink-protocol/devlink-go/pkg/mux"
	"github.com/devlink-protocol/devlink-go/pkg/version"
)

// Defaults.
const (
	DefaultPort           = 1716
	DefaultDeviceType     = "desktop"
	DefaultRFCOMMChannel  = 6
	DefaultLogLevel       = "info"
	DefaultConfigFileName = "config.yaml"
)

// ErrInvalidConfig indicates a configuration value out of range.
var ErrInvalidConfig = errors.New("invalid config")

// deviceTypes lists the device types peers understand.
var deviceTypes = map[string]bool{
	"desktop": true,
	"laptop":  true,
	"phone":   true,
	"tablet":  true,
	"tv":      true,
}

// Config is the complete devlink configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	DataDir   string          `yaml:"data_dir"`
	LAN       LANConfig       `yaml:"lan"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Mux       MuxConfig       `yaml:"mux"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig describes the local device.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// LANConfig configures the TLS transport.
type LANConfig struct {
	Port          uint16 `yaml:"port"`
	ListenAddress string `yaml:"listen_address"`
}

// BluetoothConfig configures the RFCOMM transport.
type BluetoothConfig struct {
	Channel uint8 `yaml:"channel"`
}

// MuxConfig configures channel multiplexing.
type MuxConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	AcceptInterval time.Duration `yaml:"accept_interval"`
	Versions       string        `yaml:"versions"`
}

// LogConfig configures operational and protocol logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	ProtocolLog string `yaml:"protocol_log"`
}

// Default returns the default configuration. The device ID is left empty;
// see EnsureDeviceID.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: hostname(),
			Type: DefaultDeviceType,
		},
		DataDir: defaultDataDir(),
		LAN: LANConfig{
			Port: DefaultPort,
		},
		Bluetooth: BluetoothConfig{
			Channel: DefaultRFCOMMChannel,
		},
		Mux: MuxConfig{
			BufferSize:     mux.DefaultBufferSize,
			AcceptInterval: mux.DefaultAcceptInterval,
			Versions:       version.Supported().String(),
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Device.Type != "" && !deviceTypes[c.Device.Type] {
		return fmt.Errorf("%w: unknown device type %q", ErrInvalidConfig, c.Device.Type)
	}
	if strings.ContainsAny(c.Device.ID, `/\`) {
		return fmt.Errorf("%w: device id %q contains a path separator", ErrInvalidConfig, c.Device.ID)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if c.LAN.Port == 0 {
		return fmt.Errorf("%w: lan.port is required", ErrInvalidConfig)
	}
	if c.Bluetooth.Channel < 1 || c.Bluetooth.Channel > 30 {
		return fmt.Errorf("%w: bluetooth.channel %d outside [1, 30]", ErrInvalidConfig, c.Bluetooth.Channel)
	}
	if _, err := c.MuxConfig(); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// EnsureDeviceID assigns a random device ID if none is configured and
// reports whether it did.
func (c *Config) EnsureDeviceID() bool {
	if c.Device.ID != "" {
		return false
	}
	c.Device.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	return true
}

// MuxConfig converts the mux section into a mux.Config.
func (c *Config) MuxConfig() (mux.Config, error) {
	versions, err := version.ParseRange(c.Mux.Versions)
	if err != nil {
		return mux.Config{}, fmt.Errorf("%w: mux.versions: %w", ErrInvalidConfig, err)
	}
	mc := mux.Config{
		BufferSize:     c.Mux.BufferSize,
		AcceptInterval: c.Mux.AcceptInterval,
		Versions:       versions,
	}
	if err := mc.Validate(); err != nil {
		return mux.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return mc, nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	return level, nil
}

// KeyPath is the location of the device's private key.
func (c *Config) KeyPath() string {
	return filepath.Join(c.DataDir, "private.pem")
}

// CertPath is the location of the device's certificate.
func (c *Config) CertPath() string {
	return filepath.Join(c.DataDir, "certificate.pem")
}

// PeersDir is the root of the trusted peer certificate store.
func (c *Config) PeersDir() string {
	return filepath.Join(c.DataDir, "peers")
}

// DevicesPath is the location of the known-devices registry.
func (c *Config) DevicesPath() string {
	return filepath.Join(c.DataDir, "devices.json")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "devlink"
	}
	return name
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "devlink"
	}
	return filepath.Join(dir, "devlink")
}
