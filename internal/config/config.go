// Package config loads msgnet settings from a TOML or YAML file and
// MSGNET_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Server engine names.
const (
	ModeBlocking    = "blocking"
	ModeNonblocking = "nonblocking"
)

// Default values.
const (
	DefaultAddr           = "127.0.0.1:10000"
	DefaultMaxMessageSize = 32 * 1024
	DefaultMaxConnections = 128
	DefaultReadBufferSize = 4 * 1024
)

// MaxMessageSizeLimit is the largest payload a 4-byte length prefix can
// announce.
const MaxMessageSizeLimit = 1<<32 - 1

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig `toml:"server" yaml:"server"`
	Log    LogConfig    `toml:"log" yaml:"log"`
	Bench  BenchConfig  `toml:"bench" yaml:"bench"`
}

// ServerConfig configures the servers. Addr is also the address the client
// and bench commands dial.
type ServerConfig struct {
	Addr            string   `toml:"addr" yaml:"addr"`
	Mode            string   `toml:"mode" yaml:"mode"`
	MaxMessageSize  int      `toml:"max_message_size" yaml:"max_message_size"`
	MaxConnections  int      `toml:"max_connections" yaml:"max_connections"` // 0 means unlimited
	ReadBufferSize  int      `toml:"read_buffer_size" yaml:"read_buffer_size"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`   // debug, info, warn, error
	Format string `toml:"format" yaml:"format"` // auto, text, json
}

// BenchConfig holds benchmark defaults.
type BenchConfig struct {
	Count       int     `toml:"count" yaml:"count"`
	Size        int     `toml:"size" yaml:"size"`
	Connections int     `toml:"connections" yaml:"connections"`
	Rate        float64 `toml:"rate" yaml:"rate"` // requests per second per connection, 0 = unpaced
	Verify      bool    `toml:"verify" yaml:"verify"`
}

// Duration is a time.Duration written as a string such as "5s" in files.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           DefaultAddr,
			Mode:           ModeBlocking,
			MaxMessageSize: DefaultMaxMessageSize,
			MaxConnections: DefaultMaxConnections,
			ReadBufferSize: DefaultReadBufferSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Bench: BenchConfig{
			Count:       10000,
			Size:        64,
			Connections: 1,
		},
	}
}

// Load returns the defaults overlaid with the file at path, if path is not
// empty, and then with environment variables. The file format follows the
// extension: .toml, .yaml or .yml. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config")
		}

		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".toml":
			if _, err = toml.Decode(string(data), cfg); err != nil {
				return nil, errors.Wrapf(err, "parsing %s", path)
			}
		case ".yaml", ".yml":
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parsing %s", path)
			}
		default:
			return nil, errors.Errorf("unsupported config format %q", ext)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from MSGNET_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", key)
		}
		*dst = n
		return nil
	}

	str("MSGNET_ADDR", &c.Server.Addr)
	str("MSGNET_MODE", &c.Server.Mode)
	str("MSGNET_LOG_LEVEL", &c.Log.Level)
	str("MSGNET_LOG_FORMAT", &c.Log.Format)

	if err := num("MSGNET_MAX_MESSAGE_SIZE", &c.Server.MaxMessageSize); err != nil {
		return err
	}
	if err := num("MSGNET_MAX_CONNECTIONS", &c.Server.MaxConnections); err != nil {
		return err
	}
	if err := num("MSGNET_READ_BUFFER_SIZE", &c.Server.ReadBufferSize); err != nil {
		return err
	}

	if v, ok := lookup("MSGNET_SHUTDOWN_TIMEOUT"); ok && v != "" {
		if err := c.Server.ShutdownTimeout.UnmarshalText([]byte(v)); err != nil {
			return errors.Wrap(err, "parsing MSGNET_SHUTDOWN_TIMEOUT")
		}
	}
	return nil
}

// Validate checks every field and returns the first problem found, wrapped
// around ErrInvalidConfig.
func (c *Config) Validate() error {
	s := c.Server
	if s.Addr == "" {
		return errors.Wrap(ErrInvalidConfig, "server.addr is empty")
	}
	if s.Mode != ModeBlocking && s.Mode != ModeNonblocking {
		return errors.Wrapf(ErrInvalidConfig, "server.mode must be %q or %q, got %q", ModeBlocking, ModeNonblocking, s.Mode)
	}
	if s.MaxMessageSize <= 0 || int64(s.MaxMessageSize) > MaxMessageSizeLimit {
		return errors.Wrapf(ErrInvalidConfig, "server.max_message_size %d out of range", s.MaxMessageSize)
	}
	if s.MaxConnections < 0 {
		return errors.Wrapf(ErrInvalidConfig, "server.max_connections %d is negative", s.MaxConnections)
	}
	if s.ReadBufferSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "server.read_buffer_size %d out of range", s.ReadBufferSize)
	}
	if s.ShutdownTimeout.Duration < 0 {
		return errors.Wrapf(ErrInvalidConfig, "server.shutdown_timeout %v is negative", s.ShutdownTimeout)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Wrapf(ErrInvalidConfig, "log.level %q unknown", c.Log.Level)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return errors.Wrapf(ErrInvalidConfig, "log.format %q unknown", c.Log.Format)
	}

	b := c.Bench
	if b.Count < 0 || b.Size < 0 || b.Size > s.MaxMessageSize {
		return errors.Wrapf(ErrInvalidConfig, "bench count %d or size %d out of range", b.Count, b.Size)
	}
	if b.Connections <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "bench.connections %d out of range", b.Connections)
	}
	if b.Rate < 0 {
		return errors.Wrapf(ErrInvalidConfig, "bench.rate %v is negative", b.Rate)
	}
	return nil
}
