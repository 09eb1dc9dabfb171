// Package control serves the node HTTP API: heatmap and layer map
// inspection, access ingestion and on-demand upload or download passes.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/heatmap"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layerstore"
	"github.com/warpdrive/heatmap/pkg/secondary"
	"github.com/warpdrive/heatmap/pkg/telemetry"
)

// Deps are the node components the API serves. Uploader, Downloader and
// Collector may be nil; the matching routes then answer 503.
type Deps struct {
	Store      *layerstore.Store
	Tenants    []config.TenantConfig
	Upload     config.UploadConfig
	Uploader   *secondary.Uploader
	Downloader *secondary.Downloader
	Collector  *telemetry.Collector
}

// TenantStatus summarizes a configured tenant.
type TenantStatus struct {
	ID            string `json:"id"`
	Mode          string `json:"mode"`
	Generation    string `json:"generation"`
	Backend       string `json:"backend"`
	Layers        int    `json:"layers"`
	ResidentBytes uint64 `json:"resident_bytes"`
}

// HeatmapStats summarizes the current heatmap of an attached tenant.
type HeatmapStats struct {
	Generation string `json:"generation"`
	Timelines  int    `json:"timelines"`
	HotLayers  int    `json:"hot_layers"`
	HotBytes   uint64 `json:"hot_bytes"`
}

// Server is the node API server.
type Server struct {
	cfg     config.ControlConfig
	deps    Deps
	tenants map[ids.TenantID]config.TenantConfig
	httpSrv *http.Server
}

// NewServer creates an API server.
func NewServer(cfg config.ControlConfig, deps Deps) *Server {
	tenants := make(map[ids.TenantID]config.TenantConfig, len(deps.Tenants))
	for _, t := range deps.Tenants {
		tenants[t.TenantID] = t
	}
	return &Server{cfg: cfg, deps: deps, tenants: tenants}
}

// Run starts the HTTP server. It blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("node API listening", "component", "control", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("node API shutting down", "component", "control")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Tenant returns the configuration of a tenant.
func (s *Server) Tenant(id ids.TenantID) (config.TenantConfig, bool) {
	t, ok := s.tenants[id]
	return t, ok
}

// ListTenants reports every configured tenant with its layer map size.
func (s *Server) ListTenants() ([]TenantStatus, error) {
	out := make([]TenantStatus, 0, len(s.deps.Tenants))
	for _, t := range s.deps.Tenants {
		recs, err := s.deps.Store.List(t.TenantID)
		if err != nil {
			return nil, fmt.Errorf("control.ListTenants: %w", err)
		}
		var total uint64
		for _, r := range recs {
			total += r.Metadata.FileSize
		}
		out = append(out, TenantStatus{
			ID:            t.TenantID.String(),
			Mode:          t.Mode,
			Generation:    t.Gen().String(),
			Backend:       t.Backend,
			Layers:        len(recs),
			ResidentBytes: total,
		})
	}
	return out, nil
}

// CurrentHeatmap builds the heatmap an attached tenant would upload now.
func (s *Server) CurrentHeatmap(t config.TenantConfig) (heatmap.Tenant, error) {
	recs, err := s.deps.Store.List(t.TenantID)
	if err != nil {
		return heatmap.Tenant{}, fmt.Errorf("control.CurrentHeatmap: %w", err)
	}
	return secondary.BuildHeatmap(recs, t.Gen(), s.deps.Upload.Period, s.deps.Upload.HeatWindow, timeNow()), nil
}
