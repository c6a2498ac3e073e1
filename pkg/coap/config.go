package coap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/backkem/coap/pkg/blockwise"
	"github.com/backkem/coap/pkg/credentials"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// DefaultListenAddr is the address ListenUDP binds when none is configured.
const DefaultListenAddr = ":5683"

// DefaultMaxBodySize bounds reassembled Block1 and Block2 bodies.
const DefaultMaxBodySize = 1 << 20

// Config holds all configuration for a Context.
//
// The serializable part can be loaded from YAML with LoadConfig:
//
//	listen: "[::]:5683"
//	block_size: 512
//	blockwise_timeout: 60s
//	transmission:
//	  ack_timeout: 3s
//	  max_retransmit: 2
type Config struct {
	// Transmission parameters - Optional (zero fields use RFC 7252 defaults)
	Params exchange.Params `yaml:"transmission"`

	// Blockwise - Optional
	BlockSize        int           `yaml:"block_size"`        // preferred block size, 16-1024 (default: 1024)
	MaxBodySize      int           `yaml:"max_body_size"`     // largest reassembled body (default: 1 MiB)
	BlockwiseTimeout time.Duration `yaml:"blockwise_timeout"` // idle timeout of partial transfers (default: EXCHANGE_LIFETIME)

	// Network - used by ListenUDP
	ListenAddr      string   `yaml:"listen"`           // default ":5683"
	MulticastGroups []string `yaml:"multicast_groups"` // e.g. "224.0.1.187", "ff02::fd"

	// Site serves inbound requests. If nil, every request is answered
	// with 4.04 Not Found.
	Site Resource `yaml:"-"`

	// Credentials are handed to secure transports. Optional.
	Credentials *credentials.Map `yaml:"-"`

	// Resolver resolves host names for ListenUDP transports. If nil,
	// transport.DefaultResolver is used.
	Resolver transport.Resolver `yaml:"-"`

	// Random is the retransmission jitter source. Optional.
	Random exchange.RandomSource `yaml:"-"`

	// Callbacks - Optional
	OnStateChanged func(state ContextState) `yaml:"-"`

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory `yaml:"-"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Params.WithDefaults().Validate() {
		return fmt.Errorf("%w: transmission parameters out of range", ErrInvalidConfig)
	}

	if c.BlockSize != 0 {
		if _, err := message.SZXForSize(c.BlockSize); err != nil {
			return fmt.Errorf("%w: block size %d", ErrInvalidConfig, c.BlockSize)
		}
	}

	if c.MaxBodySize < 0 {
		return fmt.Errorf("%w: negative max body size", ErrInvalidConfig)
	}

	if c.BlockwiseTimeout < 0 {
		return fmt.Errorf("%w: negative blockwise timeout", ErrInvalidConfig)
	}

	if _, err := c.MulticastGroupAddrs(); err != nil {
		return err
	}

	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	c.Params = c.Params.WithDefaults()

	if c.BlockSize == 0 {
		c.BlockSize = blockwise.DefaultBlockSize
	}

	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}

	if c.BlockwiseTimeout == 0 {
		c.BlockwiseTimeout = c.Params.ExchangeLifetime
	}

	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

// MulticastGroupAddrs parses MulticastGroups.
func (c *Config) MulticastGroupAddrs() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(c.MulticastGroups))
	for _, g := range c.MulticastGroups {
		addr, err := netip.ParseAddr(g)
		if err != nil || !addr.IsMulticast() {
			return nil, fmt.Errorf("%w: %q is not a multicast group", ErrInvalidConfig, g)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// LoadConfig reads a YAML configuration file. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration and validates it.
func ParseConfig(data []byte) (Config, error) {
	var c Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
