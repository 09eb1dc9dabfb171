package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/heatmap"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/secondary"
	"github.com/warpdrive/heatmap/pkg/telemetry"
)

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tenants", s.handleTenantList)
	mux.HandleFunc("GET /api/v1/tenants/{tenantId}/heatmap", s.handleHeatmap)
	mux.HandleFunc("GET /api/v1/tenants/{tenantId}/heatmap/stats", s.handleHeatmapStats)
	mux.HandleFunc("POST /api/v1/tenants/{tenantId}/access", s.handleAccess)
	mux.HandleFunc("POST /api/v1/tenants/{tenantId}/upload", s.handleUpload)
	mux.HandleFunc("POST /api/v1/tenants/{tenantId}/download", s.handleDownload)
}

// GET /api/v1/tenants
func (s *Server) handleTenantList(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.ListTenants()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tenants)
}

// GET /api/v1/tenants/{tenantId}/heatmap?strip_atimes=true
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenantFromPath(w, r, config.ModeAttached)
	if !ok {
		return
	}
	h, err := s.CurrentHeatmap(t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if parseBoolParam(r, "strip_atimes") {
		h = h.StripAccessTimes()
	}
	data, err := heatmap.Encode(&h)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// GET /api/v1/tenants/{tenantId}/heatmap/stats
func (s *Server) handleHeatmapStats(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenantFromPath(w, r, config.ModeAttached)
	if !ok {
		return
	}
	h, err := s.CurrentHeatmap(t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stats := h.Stats()
	writeJSON(w, HeatmapStats{
		Generation: h.Generation.String(),
		Timelines:  len(h.Timelines),
		HotLayers:  stats.Layers,
		HotBytes:   stats.Bytes,
	})
}

// accessEvent is one entry of an access ingestion request.
type accessEvent struct {
	Timestamp string `json:"ts"`
	Timeline  string `json:"timeline"`
	Layer     string `json:"layer"`
	BytesRead int64  `json:"bytes_read"`
}

// POST /api/v1/tenants/{tenantId}/access
// Receives a batch of layer reads.
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenantFromPath(w, r, config.ModeAttached)
	if !ok {
		return
	}
	if s.deps.Collector == nil {
		http.Error(w, "access collection is disabled", http.StatusServiceUnavailable)
		return
	}

	var events []accessEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	parsed := make([]telemetry.AccessEvent, 0, len(events))
	for i, e := range events {
		evt, err := parseAccessEvent(t.TenantID, e)
		if err != nil {
			http.Error(w, fmt.Sprintf("event %d: %v", i, err), http.StatusBadRequest)
			return
		}
		parsed = append(parsed, evt)
	}
	for _, evt := range parsed {
		s.deps.Collector.Record(evt)
	}
	writeJSON(w, map[string]int{"accepted": len(parsed)})
}

func parseAccessEvent(tenant ids.TenantID, e accessEvent) (telemetry.AccessEvent, error) {
	tl, err := ids.ParseTimelineID(e.Timeline)
	if err != nil {
		return telemetry.AccessEvent{}, err
	}
	name, err := layer.ParseName(e.Layer)
	if err != nil {
		return telemetry.AccessEvent{}, err
	}
	var ts time.Time
	if e.Timestamp != "" {
		if ts, err = parseTimestamp(e.Timestamp); err != nil {
			return telemetry.AccessEvent{}, err
		}
	} else {
		ts = timeNow()
	}
	return telemetry.AccessEvent{
		Timestamp: ts,
		Tenant:    tenant,
		Timeline:  tl,
		Layer:     name,
		BytesRead: e.BytesRead,
	}, nil
}

// POST /api/v1/tenants/{tenantId}/upload
// Uploads the heatmap now.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenantFromPath(w, r, config.ModeAttached)
	if !ok {
		return
	}
	if s.deps.Uploader == nil {
		http.Error(w, "uploader is not running", http.StatusServiceUnavailable)
		return
	}
	res, err := s.deps.Uploader.UploadOnce(r.Context(), t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{
		"uploaded":   res.Uploaded,
		"bytes":      res.Bytes,
		"hot_layers": res.Stats.Layers,
		"hot_bytes":  res.Stats.Bytes,
	})
}

// POST /api/v1/tenants/{tenantId}/download
// Runs a reconcile pass now.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenantFromPath(w, r, config.ModeSecondary)
	if !ok {
		return
	}
	if s.deps.Downloader == nil {
		http.Error(w, "downloader is not running", http.StatusServiceUnavailable)
		return
	}
	res, err := s.deps.Downloader.Reconcile(r.Context(), t)
	if errors.Is(err, secondary.ErrNoHeatmap) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{
		"generation":       res.Generation.String(),
		"hot_layers":       res.Hot.Layers,
		"kept":             res.Kept,
		"downloaded":       res.Downloaded,
		"bytes_downloaded": res.BytesDownloaded,
		"evicted":          res.Evicted,
		"failed":           res.Failed,
		"skipped_bytes":    res.SkippedBytes,
	})
}

// ─── Helpers ──────────────────────────────────────────────────

// tenantFromPath resolves {tenantId} to a configured tenant in mode and
// writes the error response when it cannot.
func (s *Server) tenantFromPath(w http.ResponseWriter, r *http.Request, mode string) (config.TenantConfig, bool) {
	id, err := ids.ParseTenantID(r.PathValue("tenantId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return config.TenantConfig{}, false
	}
	t, ok := s.Tenant(id)
	if !ok {
		http.Error(w, fmt.Sprintf("tenant %s is not configured", id), http.StatusNotFound)
		return config.TenantConfig{}, false
	}
	if t.Mode != mode {
		http.Error(w, fmt.Sprintf("tenant %s is %s, not %s", id, t.Mode, mode), http.StatusConflict)
		return config.TenantConfig{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseBoolParam(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func parseTimestamp(s string) (time.Time, error) {
	// Try RFC3339 first
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Try RFC3339Nano
	t, err = time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// timeNow is a variable for testing.
var timeNow = time.Now
