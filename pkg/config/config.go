// Package config loads relay settings from a TOML file, the legacy port
// file and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/storage"
)

// Port limits
const (
	DefaultPort = 1357
	MinPort     = 1024
	MaxPort     = 65535
)

// DefaultPortFile is read when no port is given on the command line
const DefaultPortFile = "myport.info"

var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete relay configuration
type Config struct {
	Relay RelayConfig `toml:"relay"`
	Queue QueueConfig `toml:"queue"`
	API   APIConfig   `toml:"api"`
	Log   LogConfig   `toml:"log"`
}

// RelayConfig configures the TCP listener and its sessions
type RelayConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"` // 0 = read PortFile
	PortFile string `toml:"port_file"`

	// ListenAddr overrides Host and Port with a full multiaddr such as
	// /ip6/::/tcp/1357
	ListenAddr string `toml:"listen_addr"`

	MaxSessions    int           `toml:"max_sessions"`     // 0 = unbounded
	MaxPayloadSize uint32        `toml:"max_payload_size"` // 0 = unbounded
	ReadTimeout    time.Duration `toml:"read_timeout"`     // 0 = none
	WriteTimeout   time.Duration `toml:"write_timeout"`    // 0 = none
	EnablePull     bool          `toml:"enable_pull"`
}

// QueueConfig selects the message store backend
type QueueConfig struct {
	Backend        string        `toml:"backend"`
	TTL            time.Duration `toml:"ttl"` // 0 keeps messages until drained
	ExpiryInterval time.Duration `toml:"expiry_interval"`
}

// APIConfig configures the HTTP status API
type APIConfig struct {
	Enabled         bool          `toml:"enabled"`
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	EnableMetrics   bool          `toml:"enable_metrics"`
	EnableCORS      bool          `toml:"enable_cors"`
	RateLimit       int           `toml:"rate_limit"` // Requests per minute per IP, 0 = unlimited
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Host:     "0.0.0.0",
			PortFile: DefaultPortFile,
		},
		Queue: QueueConfig{
			Backend:        storage.BackendMemory,
			ExpiryInterval: time.Minute,
		},
		API: APIConfig{
			Addr:            "127.0.0.1:8090",
			ShutdownTimeout: 5 * time.Second,
			EnableMetrics:   true,
			RateLimit:       600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML file on top of Default. Unknown keys are logged and
// otherwise ignored.
func Load(path string) (Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	for _, key := range meta.Undecoded() {
		logrus.WithFields(logrus.Fields{
			"component": "config",
			"key":       key.String(),
		}).Warn("Ignoring unknown config key")
	}

	cfg.Relay.Host = strings.TrimSpace(cfg.Relay.Host)
	cfg.Relay.ListenAddr = strings.TrimSpace(cfg.Relay.ListenAddr)
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))

	return cfg, nil
}

// ResolvePort fills in a zero relay port from the port file, or
// DefaultPort when no port file is configured
func (c *Config) ResolvePort() {
	if c.Relay.ListenAddr != "" || c.Relay.Port != 0 {
		return
	}
	if c.Relay.PortFile == "" {
		c.Relay.Port = DefaultPort
		return
	}
	c.Relay.Port = ReadPortFile(c.Relay.PortFile)
}

// Validate checks ranges and names
func (c Config) Validate() error {
	if c.Relay.ListenAddr != "" {
		if _, err := ma.NewMultiaddr(c.Relay.ListenAddr); err != nil {
			return fmt.Errorf("%w: relay.listen_addr: %v", ErrInvalidConfig, err)
		}
	} else if c.Relay.Port != 0 && !ValidPort(c.Relay.Port) {
		return fmt.Errorf("%w: relay.port %d outside %d-%d", ErrInvalidConfig, c.Relay.Port, MinPort, MaxPort)
	}

	if c.Relay.MaxSessions < 0 {
		return fmt.Errorf("%w: relay.max_sessions must not be negative", ErrInvalidConfig)
	}
	if c.Relay.ReadTimeout < 0 || c.Relay.WriteTimeout < 0 {
		return fmt.Errorf("%w: relay timeouts must not be negative", ErrInvalidConfig)
	}

	switch c.Queue.Backend {
	case "", storage.BackendMemory, storage.BackendSQLite:
	default:
		return fmt.Errorf("%w: queue.backend %q", ErrInvalidConfig, c.Queue.Backend)
	}
	if c.Queue.TTL < 0 {
		return fmt.Errorf("%w: queue.ttl must not be negative", ErrInvalidConfig)
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
			return fmt.Errorf("%w: api.addr: %v", ErrInvalidConfig, err)
		}
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("%w: api.rate_limit must not be negative", ErrInvalidConfig)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}

	return nil
}

// ListenMultiaddr returns the address the relay listens on
func (r RelayConfig) ListenMultiaddr() (ma.Multiaddr, error) {
	if r.ListenAddr != "" {
		return ma.NewMultiaddr(r.ListenAddr)
	}

	host := r.Host
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%w: relay.host %q is not an IP address", ErrInvalidConfig, host)
	}

	return manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: r.Port})
}
