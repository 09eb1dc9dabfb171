package config

import (
	"fmt"
	"time"

	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
)

// Tenant location modes.
const (
	ModeAttached  = "attached"
	ModeSecondary = "secondary"
)

// Config is the top-level node configuration.
type Config struct {
	NodeID   string          `yaml:"node_id"`
	Store    StoreConfig     `yaml:"store"`
	Backends []BackendConfig `yaml:"backends"`
	Tenants  []TenantConfig  `yaml:"tenants"`
	Upload   UploadConfig    `yaml:"upload"`
	Download DownloadConfig  `yaml:"download"`
	Access   AccessConfig    `yaml:"access"`
	Control  ControlConfig   `yaml:"control"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// StoreConfig configures the badger layer map.
type StoreConfig struct {
	Path string `yaml:"path"` // empty = in-memory
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// BackendConfig describes a single remote storage backend.
type BackendConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Root   string            `yaml:"root"`
	Config map[string]string `yaml:"config"`
}

// TenantConfig describes one tenant location hosted by this node.
type TenantConfig struct {
	ID         string `yaml:"id"`
	Generation uint32 `yaml:"generation"`
	Backend    string `yaml:"backend"`
	Mode       string `yaml:"mode"` // attached or secondary

	TenantID ids.TenantID `yaml:"-"`
}

// Gen returns the configured generation.
func (t TenantConfig) Gen() layer.Generation { return layer.Generation(t.Generation) }

// UploadConfig configures heatmap uploads from attached locations.
type UploadConfig struct {
	// Period between uploads. Zero disables periodic upload; the heatmap
	// then carries no upload period.
	Period time.Duration `yaml:"period"`
	// HeatWindow marks layers not accessed within the window as cold.
	// Zero means only invisible layers are cold.
	HeatWindow time.Duration `yaml:"heat_window"`
	// MaxUnchangedAge forces an upload of an unchanged heatmap once the last
	// upload is this old.
	MaxUnchangedAge time.Duration `yaml:"max_unchanged_age"`
}

// DownloadConfig configures secondary locations.
type DownloadConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	Workers         int           `yaml:"workers"`
	LocalDir        string        `yaml:"local_dir"`
	MaxBytesRaw     string        `yaml:"max_bytes"`
	MaxBytes        int64         `yaml:"-"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// AccessConfig configures collection of layer access events.
type AccessConfig struct {
	Sink          string        `yaml:"sink"` // "store", "file", "nop"; default "store"
	FilePath      string        `yaml:"file_path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ControlConfig configures the node HTTP API. An empty address disables it.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// TenantsInMode returns the tenants configured with the given mode.
func (c *Config) TenantsInMode(mode string) []TenantConfig {
	var out []TenantConfig
	for _, t := range c.Tenants {
		if t.Mode == mode {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the configuration for logical errors and resolves tenant ids.
func (c *Config) Validate() error {
	if c.Upload.Period < 0 {
		return fmt.Errorf("config: upload.period must not be negative, got %s", c.Upload.Period)
	}
	if c.Upload.HeatWindow < 0 {
		return fmt.Errorf("config: upload.heat_window must not be negative, got %s", c.Upload.HeatWindow)
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"upload.max_unchanged_age", c.Upload.MaxUnchangedAge},
		{"download.default_interval", c.Download.DefaultInterval},
		{"download.cache_ttl", c.Download.CacheTTL},
		{"access.flush_interval", c.Access.FlushInterval},
	} {
		if d.v < 0 {
			return fmt.Errorf("config: %s must not be negative, got %s", d.key, d.v)
		}
	}
	if c.Access.BatchSize < 0 {
		return fmt.Errorf("config: access.batch_size must not be negative, got %d", c.Access.BatchSize)
	}
	if c.Download.Workers < 0 {
		return fmt.Errorf("config: download.workers must not be negative, got %d", c.Download.Workers)
	}
	if c.Download.MaxBytes < 0 {
		return fmt.Errorf("config: download.max_bytes must not be negative, got %d", c.Download.MaxBytes)
	}

	switch c.Access.Sink {
	case "store", "file", "nop":
	default:
		return fmt.Errorf("config: unknown access.sink %q", c.Access.Sink)
	}
	if c.Access.Sink == "file" && c.Access.FilePath == "" {
		return fmt.Errorf("config: access.sink file requires access.file_path")
	}

	names := make(map[string]bool)
	for _, be := range c.Backends {
		if be.Name == "" {
			return fmt.Errorf("config: backend name cannot be empty")
		}
		if be.Type == "" {
			return fmt.Errorf("config: backend %q has empty type", be.Name)
		}
		if names[be.Name] {
			return fmt.Errorf("config: duplicate backend name %q", be.Name)
		}
		names[be.Name] = true
	}

	tenants := make(map[ids.TenantID]bool)
	for i := range c.Tenants {
		t := &c.Tenants[i]
		id, err := ids.ParseTenantID(t.ID)
		if err != nil {
			return fmt.Errorf("config: tenant %q: %w", t.ID, err)
		}
		if tenants[id] {
			return fmt.Errorf("config: duplicate tenant %q", t.ID)
		}
		tenants[id] = true
		t.TenantID = id

		switch t.Mode {
		case ModeAttached:
			if t.Generation == 0 {
				return fmt.Errorf("config: attached tenant %q requires a generation", t.ID)
			}
		case ModeSecondary:
		default:
			return fmt.Errorf("config: tenant %q: unknown mode %q", t.ID, t.Mode)
		}
		if !names[t.Backend] {
			return fmt.Errorf("config: tenant %q: unknown backend %q", t.ID, t.Backend)
		}
	}
	return nil
}
