package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Load reads and parses a node configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.parseSizes(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		}
	}
	for i := range c.Tenants {
		if c.Tenants[i].Mode == "" {
			c.Tenants[i].Mode = ModeAttached
		}
		if c.Tenants[i].Backend == "" && len(c.Backends) == 1 {
			c.Tenants[i].Backend = c.Backends[0].Name
		}
	}
	if c.Upload.MaxUnchangedAge == 0 {
		c.Upload.MaxUnchangedAge = 10 * time.Minute
	}
	if c.Download.DefaultInterval == 0 {
		c.Download.DefaultInterval = 60 * time.Second
	}
	if c.Download.Workers == 0 {
		c.Download.Workers = 8
	}
	if c.Download.LocalDir == "" {
		c.Download.LocalDir = "/var/lib/heatmap/layers"
	}
	if c.Download.CacheTTL == 0 {
		c.Download.CacheTTL = 10 * time.Minute
	}
	if c.Access.Sink == "" {
		c.Access.Sink = "store"
	}
	if c.Access.BatchSize == 0 {
		c.Access.BatchSize = 100
	}
	if c.Access.FlushInterval == 0 {
		c.Access.FlushInterval = 5 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// parseSizes converts human-readable size strings to int64 bytes.
// Returns an error if any user-provided size string is invalid.
func (c *Config) parseSizes() error {
	v, err := ParseSize(c.Download.MaxBytesRaw)
	if err != nil {
		return fmt.Errorf("config: invalid download.max_bytes %q: %w", c.Download.MaxBytesRaw, err)
	}
	c.Download.MaxBytes = v
	return nil
}

// ParseSize converts a human-readable size to bytes. Both SI ("500GB") and
// IEC ("500GiB") units are accepted, as by the CLI's --size flags. Empty
// means zero.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("config.ParseSize: size %q overflows", s)
	}
	return int64(n), nil
}
