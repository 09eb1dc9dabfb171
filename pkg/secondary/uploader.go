// Package secondary moves heatmaps between tenant locations: attached
// locations upload them, secondary locations download them and mirror the
// hot layers they describe.
package secondary

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/warpdrive/heatmap/pkg/backend"
	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/heatmap"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/layerstore"
	"github.com/warpdrive/heatmap/pkg/metrics"
)

// BuildHeatmap builds the heatmap of a tenant from its layer map. Timelines
// are ordered by id and layers by name. A layer is cold when it is not
// visible, or when heatWindow is set and the layer was last accessed before
// now-heatWindow.
func BuildHeatmap(recs []layerstore.Record, gen layer.Generation, uploadPeriod, heatWindow time.Duration, now time.Time) heatmap.Tenant {
	sorted := slices.Clone(recs)
	slices.SortFunc(sorted, func(a, b layerstore.Record) int {
		if c := cmp.Compare(a.Timeline.String(), b.Timeline.String()); c != 0 {
			return c
		}
		return cmp.Compare(a.Name.String(), b.Name.String())
	})

	var coldBefore time.Time
	if heatWindow > 0 {
		coldBefore = now.Add(-heatWindow)
	}

	var timelines []heatmap.Timeline
	for start := 0; start < len(sorted); {
		tl := sorted[start].Timeline
		end := start
		var layers []heatmap.Layer
		for ; end < len(sorted) && sorted[end].Timeline == tl; end++ {
			r := sorted[end]
			cold := !r.Visible || (!coldBefore.IsZero() && r.LastAccess.Before(coldBefore))
			layers = append(layers, heatmap.NewLayer(r.Name, r.Metadata, r.LastAccess, cold))
		}
		timelines = append(timelines, heatmap.NewTimeline(tl, layers))
		start = end
	}

	return heatmap.NewTenant(gen, timelines, uploadPeriod)
}

// UploadResult describes one upload pass for a tenant.
type UploadResult struct {
	Uploaded bool
	Bytes    int
	Stats    heatmap.Stats
}

type lastUpload struct {
	digest uint64
	at     time.Time
}

// Uploader publishes heatmaps of attached tenant locations.
type Uploader struct {
	store   *layerstore.Store
	reg     *backend.Registry
	cfg     config.UploadConfig
	tenants []config.TenantConfig
	now     func() time.Time

	mu   sync.Mutex
	last map[ids.TenantID]lastUpload
}

// NewUploader creates an uploader for the given attached tenants.
func NewUploader(store *layerstore.Store, reg *backend.Registry, cfg config.UploadConfig, tenants []config.TenantConfig) *Uploader {
	return &Uploader{
		store:   store,
		reg:     reg,
		cfg:     cfg,
		tenants: tenants,
		now:     time.Now,
		last:    make(map[ids.TenantID]lastUpload),
	}
}

// UploadOnce builds the current heatmap of a tenant and uploads it. The
// upload is skipped when nothing but access times changed since the last
// upload and that upload is younger than MaxUnchangedAge.
func (u *Uploader) UploadOnce(ctx context.Context, t config.TenantConfig) (UploadResult, error) {
	start := time.Now()
	defer func() {
		metrics.HeatmapUploadDuration.Observe(time.Since(start).Seconds())
	}()

	res, err := u.uploadOnce(ctx, t)
	switch {
	case err != nil:
		metrics.HeatmapUploads.WithLabelValues("error").Inc()
	case res.Uploaded:
		metrics.HeatmapUploads.WithLabelValues("uploaded").Inc()
	default:
		metrics.HeatmapUploads.WithLabelValues("skipped").Inc()
	}
	return res, err
}

func (u *Uploader) uploadOnce(ctx context.Context, t config.TenantConfig) (UploadResult, error) {
	be, err := u.reg.Get(t.Backend)
	if err != nil {
		return UploadResult{}, fmt.Errorf("secondary.UploadOnce: %w", err)
	}
	recs, err := u.store.List(t.TenantID)
	if err != nil {
		return UploadResult{}, fmt.Errorf("secondary.UploadOnce: %w", err)
	}

	now := u.now()
	h := BuildHeatmap(recs, t.Gen(), u.cfg.Period, u.cfg.HeatWindow, now)
	stats := h.Stats()
	tenantLabel := t.TenantID.String()
	metrics.HeatmapHotLayers.WithLabelValues(tenantLabel).Set(float64(stats.Layers))
	metrics.HeatmapHotBytes.WithLabelValues(tenantLabel).Set(float64(stats.Bytes))

	stripped := h.StripAccessTimes()
	normalized, err := heatmap.Encode(&stripped)
	if err != nil {
		return UploadResult{}, fmt.Errorf("secondary.UploadOnce: %w", err)
	}
	digest := xxhash.Sum64(normalized)

	u.mu.Lock()
	prev, seen := u.last[t.TenantID]
	u.mu.Unlock()
	if seen && prev.digest == digest && now.Sub(prev.at) < u.cfg.MaxUnchangedAge {
		slog.Debug("heatmap unchanged, skipping upload",
			"component", "uploader", "tenant", t.TenantID, "last_upload", prev.at)
		return UploadResult{Stats: stats}, nil
	}

	data, err := heatmap.Encode(&h)
	if err != nil {
		return UploadResult{}, fmt.Errorf("secondary.UploadOnce: %w", err)
	}
	if err := be.Write(ctx, backend.HeatmapPath(t.TenantID), bytes.NewReader(data), int64(len(data))); err != nil {
		return UploadResult{}, fmt.Errorf("secondary.UploadOnce: tenant %s: %w", t.TenantID, err)
	}

	u.mu.Lock()
	u.last[t.TenantID] = lastUpload{digest: digest, at: now}
	u.mu.Unlock()

	slog.Info("heatmap uploaded",
		"component", "uploader", "tenant", t.TenantID, "generation", t.Gen(),
		"timelines", len(h.Timelines), "hot_layers", stats.Layers, "hot_bytes", stats.Bytes,
		"size", len(data),
	)
	return UploadResult{Uploaded: true, Bytes: len(data), Stats: stats}, nil
}

// UploadAll runs one upload pass over every tenant and joins the errors.
func (u *Uploader) UploadAll(ctx context.Context) error {
	var errs []error
	for _, t := range u.tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := u.UploadOnce(ctx, t); err != nil {
			slog.Error("heatmap upload failed", "component", "uploader", "tenant", t.TenantID, "error", err)
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

// Run uploads on every tick of the configured period until ctx is done.
// Without a period it returns immediately.
func (u *Uploader) Run(ctx context.Context) {
	if u.cfg.Period <= 0 {
		slog.Info("no upload period configured, periodic uploads disabled", "component", "uploader")
		return
	}

	u.UploadAll(ctx)

	ticker := time.NewTicker(u.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.UploadAll(ctx)
		}
	}
}
