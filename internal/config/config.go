// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Memory  MemoryConfig  `yaml:"memory"`
	Links   []LinkConfig  `yaml:"links"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

// MemoryConfig sizes the guest memory arena.
type MemoryConfig struct {
	Size ByteSize `yaml:"size"`
}

// LinkConfig describes one virtio-net link.
type LinkConfig struct {
	Name      string `yaml:"name"`
	QueueSize uint16 `yaml:"queue_size"`

	// TxCopy selects the transmit copy policy: auto, always, or never.
	TxCopy string `yaml:"tx_copy"`

	Backend BackendConfig `yaml:"backend"`
}

// BackendConfig selects and parameterizes the network client behind a link.
type BackendConfig struct {
	// Kind is "netstack" for the userspace TCP/IP stack or "loopback" for
	// the in-process echo client.
	Kind string `yaml:"kind"`

	MAC       string `yaml:"mac"`
	Address   string `yaml:"address"`
	PrefixLen int    `yaml:"prefix_len"`
	Gateway   string `yaml:"gateway"`
	MTU       int    `yaml:"mtu"`
}

// ByteSize unmarshals either a plain byte count or a string with a K/M/G
// suffix.
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n uint64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(strings.ToUpper(raw))

	mult := uint64(1)
	switch {
	case strings.HasSuffix(raw, "G"):
		mult = 1 << 30
		raw = strings.TrimSuffix(raw, "G")
	case strings.HasSuffix(raw, "M"):
		mult = 1 << 20
		raw = strings.TrimSuffix(raw, "M")
	case strings.HasSuffix(raw, "K"):
		mult = 1 << 10
		raw = strings.TrimSuffix(raw, "K")
	}

	var count uint64
	if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
		return fmt.Errorf("bad byte size %q: %w", raw, err)
	}
	*b = ByteSize(count * mult)
	return nil
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes and validates a config document.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Memory.Size == 0 {
		c.Memory.Size = 64 << 20
	}
	for i := range c.Links {
		l := &c.Links[i]
		if l.QueueSize == 0 {
			l.QueueSize = 256
		}
		if l.TxCopy == "" {
			l.TxCopy = "auto"
		}
		if l.Backend.Kind == "" {
			l.Backend.Kind = "netstack"
		}
		if l.Backend.MTU == 0 {
			l.Backend.MTU = 1500
		}
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for i := range c.Links {
		l := &c.Links[i]
		if l.Name == "" {
			return fmt.Errorf("link %d has no name", i)
		}
		if seen[l.Name] {
			return fmt.Errorf("duplicate link name %q", l.Name)
		}
		seen[l.Name] = true

		if l.QueueSize&(l.QueueSize-1) != 0 {
			return fmt.Errorf("link %q: queue_size must be a power of two", l.Name)
		}
		switch l.TxCopy {
		case "auto", "always", "never":
		default:
			return fmt.Errorf("link %q: unknown tx_copy policy %q", l.Name, l.TxCopy)
		}

		switch l.Backend.Kind {
		case "loopback":
		case "netstack":
			if _, err := net.ParseMAC(l.Backend.MAC); err != nil {
				return fmt.Errorf("link %q: bad mac: %w", l.Name, err)
			}
			if ip := net.ParseIP(l.Backend.Address); ip == nil || ip.To4() == nil {
				return fmt.Errorf("link %q: bad IPv4 address %q", l.Name, l.Backend.Address)
			}
			if l.Backend.PrefixLen <= 0 || l.Backend.PrefixLen > 32 {
				return fmt.Errorf("link %q: bad prefix length %d", l.Name, l.Backend.PrefixLen)
			}
		default:
			return fmt.Errorf("link %q: unknown backend kind %q", l.Name, l.Backend.Kind)
		}
	}
	return nil
}

// ConfigureLogger applies the logging section to a logrus logger.
func (c *Config) ConfigureLogger(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(level)

	timestampFormat := c.Logging.TimestampFormat
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.Logging.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.Logging.DisableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format %q. possible formats: %v",
			c.Logging.Format, []string{"text", "json"})
	}
	return nil
}
