// Package main provides heatmapctl, the CLI for uploading, downloading and
// inspecting tenant heatmaps.
//
// Usage:
//
//	heatmapctl inspect <file> [--strip-atimes] [--timeline <id>] [--json]
//	heatmapctl layers list|add|touch [--config <file>] --tenant <id> ...
//	heatmapctl remote [--config <file>] --tenant <id>
//	heatmapctl upload [--config <file>] [--tenant <id>]
//	heatmapctl download [--config <file>] [--tenant <id>]
//	heatmapctl serve [--config <file>]
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/warpdrive/heatmap/pkg/backend"
	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layerstore"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "heatmapctl",
		Short: "Tenant heatmap admin CLI",
		Long: `heatmapctl publishes the heatmap of attached tenant locations, keeps
secondary locations warm by downloading the layers a heatmap marks hot, and
inspects heatmap files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(logLevel, logFormat)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/heatmap/config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(
		inspectCmd(),
		layersCmd(),
		remoteCmd(),
		uploadCmd(),
		downloadCmd(),
		serveCmd(),
	)
	return root
}

func setupLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// stack is what every config-driven command needs.
type stack struct {
	cfg   *config.Config
	reg   *backend.Registry
	store *layerstore.Store
}

func (s *stack) Close() {
	if err := s.reg.Close(); err != nil {
		slog.Warn("closing backends", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("closing layer store", "error", err)
	}
}

func setupStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	reg := backend.NewRegistry()
	for _, bcfg := range cfg.Backends {
		be, err := backend.NewRcloneBackend(bcfg.Name, bcfg.Type, bcfg.Root, bcfg.Config)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("backend %s: %w", bcfg.Name, err)
		}
		if err := reg.Register(be); err != nil {
			reg.Close()
			return nil, err
		}
		slog.Debug("registered backend", "name", bcfg.Name, "type", bcfg.Type)
	}

	store, err := layerstore.Open(cfg.Store.Path)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return &stack{cfg: cfg, reg: reg, store: store}, nil
}

// selectTenants returns the configured tenants in mode, narrowed to one
// tenant when filter is set.
func selectTenants(cfg *config.Config, mode, filter string) ([]config.TenantConfig, error) {
	tenants := cfg.TenantsInMode(mode)
	if filter == "" {
		return tenants, nil
	}
	id, err := ids.ParseTenantID(filter)
	if err != nil {
		return nil, err
	}
	for _, t := range tenants {
		if t.TenantID == id {
			return []config.TenantConfig{t}, nil
		}
	}
	return nil, fmt.Errorf("tenant %s is not configured as %s", filter, mode)
}

// findTenant returns the configuration of a tenant in any mode.
func findTenant(cfg *config.Config, id string) (config.TenantConfig, error) {
	tid, err := ids.ParseTenantID(id)
	if err != nil {
		return config.TenantConfig{}, err
	}
	for _, t := range cfg.Tenants {
		if t.TenantID == tid {
			return t, nil
		}
	}
	return config.TenantConfig{}, fmt.Errorf("tenant %s is not configured", id)
}
