package mux

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/devlink-protocol/devlink-go/pkg/log"
	"github.com/devlink-protocol/devlink-go/pkg/version"
)

// Buffer capacity limits for a single channel.
const (
	// DefaultBufferSize is the default per-channel input buffer capacity.
	DefaultBufferSize = 4096

	// MinBufferSize is the smallest accepted buffer capacity.
	MinBufferSize = 1024

	// MaxBufferSize is the largest accepted buffer capacity. Credit frames
	// carry 16 bits, so a single grant can never exceed it.
	MaxBufferSize = 0xFFFF

	// DefaultAcceptInterval is how often AcceptChannel polls the registry.
	DefaultAcceptInterval = time.Second
)

// Config configures a multiplexed connection.
type Config struct {
	// BufferSize is the input buffer capacity of every channel, and the
	// initial read credit granted to the peer. Default: 4096.
	BufferSize int

	// AcceptInterval is the polling period of AcceptChannel. Default: 1s.
	AcceptInterval time.Duration

	// Versions is the supported protocol version range advertised during
	// the handshake. Default: version.Supported().
	Versions version.Range

	// Logger receives operational log output. Default: slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives one event per frame and lifecycle change.
	// Nil disables protocol capture.
	ProtocolLogger log.Logger

	// ConnectionID identifies the connection in protocol events.
	// Default: a random UUID.
	ConnectionID string

	// RemoteAddr is recorded in protocol events when set.
	RemoteAddr string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:     DefaultBufferSize,
		AcceptInterval: DefaultAcceptInterval,
		Versions:       version.Supported(),
	}
}

// applyDefaults fills zero-valued fields.
func (c *Config) applyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.AcceptInterval == 0 {
		c.AcceptInterval = DefaultAcceptInterval
	}
	if c.Versions == (version.Range{}) {
		c.Versions = version.Supported()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	if c.BufferSize < MinBufferSize || c.BufferSize > MaxBufferSize {
		return fmt.Errorf("%w: buffer size %d outside [%d, %d]",
			ErrInvalidConfig, c.BufferSize, MinBufferSize, MaxBufferSize)
	}
	if c.AcceptInterval < 0 {
		return fmt.Errorf("%w: negative accept interval", ErrInvalidConfig)
	}
	if err := c.Versions.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
