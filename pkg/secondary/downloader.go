package secondary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/warpdrive/heatmap/pkg/backend"
	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/heatmap"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/layerstore"
	"github.com/warpdrive/heatmap/pkg/metrics"
)

// ErrNoHeatmap is returned when the attached location has not uploaded a
// heatmap yet.
var ErrNoHeatmap = errors.New("secondary: no heatmap uploaded")

const heatmapCacheSize = 1024

type cachedHeatmap struct {
	etag    string
	heatmap *heatmap.Tenant
}

// DownloadProgress reports the progress of a reconcile pass.
type DownloadProgress struct {
	LayersTotal      int
	LayersDownloaded int64
	BytesTotal       uint64
	BytesDownloaded  int64
}

// ReconcileResult summarizes one reconcile pass for a tenant.
type ReconcileResult struct {
	Generation      layer.Generation
	Hot             heatmap.Stats
	Kept            int
	Downloaded      int
	BytesDownloaded int64
	Evicted         int
	Failed          int
	SkippedBytes    uint64
	// Heatmap is the heatmap the pass was planned from.
	Heatmap *heatmap.Tenant
}

// Downloader keeps secondary locations in sync with the heatmaps uploaded by
// their attached locations.
type Downloader struct {
	store   *layerstore.Store
	reg     *backend.Registry
	cfg     config.DownloadConfig
	tenants []config.TenantConfig

	// Progress, when set, is called after every downloaded layer.
	Progress func(ids.TenantID, DownloadProgress)

	cache *expirable.LRU[ids.TenantID, cachedHeatmap]

	mu          sync.Mutex
	generations map[ids.TenantID]layer.Generation
}

// NewDownloader creates a downloader for the given secondary tenants.
func NewDownloader(store *layerstore.Store, reg *backend.Registry, cfg config.DownloadConfig, tenants []config.TenantConfig) *Downloader {
	return &Downloader{
		store:       store,
		reg:         reg,
		cfg:         cfg,
		tenants:     tenants,
		cache:       expirable.NewLRU[ids.TenantID, cachedHeatmap](heatmapCacheSize, nil, cfg.CacheTTL),
		generations: make(map[ids.TenantID]layer.Generation),
	}
}

// DownloadHeatmap fetches the latest heatmap of a tenant. The second return
// value is false when the remote object is unchanged since the last download
// and the cached heatmap was returned.
func (d *Downloader) DownloadHeatmap(ctx context.Context, tenant ids.TenantID, be backend.Backend) (*heatmap.Tenant, bool, error) {
	h, changed, err := d.downloadHeatmap(ctx, tenant, be)
	switch {
	case errors.Is(err, ErrNoHeatmap):
		metrics.HeatmapDownloads.WithLabelValues("not_found").Inc()
	case err != nil:
		metrics.HeatmapDownloads.WithLabelValues("error").Inc()
	case changed:
		metrics.HeatmapDownloads.WithLabelValues("downloaded").Inc()
	default:
		metrics.HeatmapDownloads.WithLabelValues("unchanged").Inc()
	}
	return h, changed, err
}

func (d *Downloader) downloadHeatmap(ctx context.Context, tenant ids.TenantID, be backend.Backend) (*heatmap.Tenant, bool, error) {
	p := backend.HeatmapPath(tenant)
	info, err := be.Stat(ctx, p)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, false, fmt.Errorf("secondary.DownloadHeatmap: tenant %s: %w", tenant, ErrNoHeatmap)
	}
	if err != nil {
		return nil, false, fmt.Errorf("secondary.DownloadHeatmap: tenant %s: %w", tenant, err)
	}

	if cached, ok := d.cache.Get(tenant); ok && info.ETag != "" && cached.etag == info.ETag {
		return cached.heatmap, false, nil
	}

	rc, err := be.Open(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("secondary.DownloadHeatmap: tenant %s: %w", tenant, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, false, fmt.Errorf("secondary.DownloadHeatmap: tenant %s: read: %w", tenant, err)
	}

	h, err := heatmap.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("secondary.DownloadHeatmap: tenant %s: %w", tenant, err)
	}

	d.mu.Lock()
	prev, seen := d.generations[tenant]
	if !seen || h.Generation >= prev {
		d.generations[tenant] = h.Generation
	}
	d.mu.Unlock()
	if seen && h.Generation < prev {
		metrics.GenerationRegressions.Inc()
		slog.Warn("heatmap generation went backwards",
			"component", "downloader", "tenant", tenant,
			"generation", h.Generation, "previous", prev)
	}

	d.cache.Add(tenant, cachedHeatmap{etag: info.ETag, heatmap: h})
	return h, true, nil
}

// NextInterval returns how long to wait before the next download of a
// heatmap: its upload period when it carries one, the configured default
// otherwise.
func (d *Downloader) NextInterval(h *heatmap.Tenant) time.Duration {
	if h != nil {
		if period, ok := h.UploadPeriod(); ok && period > 0 {
			return period
		}
	}
	return d.cfg.DefaultInterval
}

// LocalPath returns where a resident layer of a tenant lives on local disk.
func (d *Downloader) LocalPath(tenant ids.TenantID, timeline ids.TimelineID, name layer.Name) string {
	return filepath.Join(d.cfg.LocalDir, "tenants", tenant.String(), "timelines", timeline.String(), name.String())
}

// Reconcile downloads the latest heatmap of a tenant, evicts resident layers
// it no longer marks hot and downloads the hot layers that are missing.
// Individual layer failures are counted in the result and retried on the
// next pass.
func (d *Downloader) Reconcile(ctx context.Context, t config.TenantConfig) (ReconcileResult, error) {
	be, err := d.reg.Get(t.Backend)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("secondary.Reconcile: %w", err)
	}

	h, _, err := d.DownloadHeatmap(ctx, t.TenantID, be)
	if err != nil {
		return ReconcileResult{}, err
	}

	resident, err := d.store.List(t.TenantID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("secondary.Reconcile: %w", err)
	}

	var maxBytes uint64
	if d.cfg.MaxBytes > 0 {
		maxBytes = uint64(d.cfg.MaxBytes)
	}
	plan := PlanDownloads(h, resident, maxBytes)

	res := ReconcileResult{
		Generation:   h.Generation,
		Hot:          h.Stats(),
		Kept:         plan.Keep,
		SkippedBytes: plan.SkippedBytes,
		Heatmap:      h,
	}

	for _, r := range plan.Evict {
		if err := d.evict(r); err != nil {
			slog.Warn("layer eviction failed", "component", "downloader",
				"tenant", t.TenantID, "timeline", r.Timeline, "layer", r.Name, "error", err)
			continue
		}
		res.Evicted++
	}

	downloaded, bytes, failed := d.fetchAll(ctx, t.TenantID, be, plan.Fetch)
	res.Downloaded = downloaded
	res.BytesDownloaded = bytes
	res.Failed = failed

	if total, err := d.store.ResidentBytes(t.TenantID); err == nil {
		metrics.ResidentBytes.WithLabelValues(t.TenantID.String()).Set(float64(total))
	}

	slog.Info("secondary reconciled",
		"component", "downloader", "tenant", t.TenantID, "generation", h.Generation,
		"hot_layers", res.Hot.Layers, "kept", res.Kept, "downloaded", res.Downloaded,
		"evicted", res.Evicted, "failed", res.Failed, "skipped_bytes", res.SkippedBytes,
	)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func (d *Downloader) evict(r layerstore.Record) error {
	p := d.LocalPath(r.Tenant, r.Timeline, r.Name)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	if err := d.store.Delete(r.Tenant, r.Timeline, r.Name); err != nil {
		return err
	}
	metrics.LayersEvicted.Inc()
	return nil
}

func (d *Downloader) fetchAll(ctx context.Context, tenant ids.TenantID, be backend.Backend, fetches []Fetch) (int, int64, int) {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 8
	}

	var total uint64
	for _, f := range fetches {
		total += f.Layer.Metadata.FileSize
	}

	var downloaded, failed, bytesDownloaded atomic.Int64
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, f := range fetches {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(f Fetch) {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			n, err := d.fetch(ctx, tenant, be, f)
			if err != nil {
				failed.Add(1)
				metrics.LayerDownloadErrors.Inc()
				slog.Warn("layer download failed", "component", "downloader",
					"tenant", tenant, "timeline", f.Timeline, "layer", f.Layer.Name, "error", err)
				return
			}
			metrics.LayersDownloaded.Inc()
			metrics.LayerBytesDownloaded.Add(float64(n))
			done := downloaded.Add(1)
			doneBytes := bytesDownloaded.Add(n)

			if d.Progress != nil {
				d.Progress(tenant, DownloadProgress{
					LayersTotal:      len(fetches),
					LayersDownloaded: done,
					BytesTotal:       total,
					BytesDownloaded:  doneBytes,
				})
			}
		}(f)
	}

	wg.Wait()
	return int(downloaded.Load()), bytesDownloaded.Load(), int(failed.Load())
}

// fetch downloads one layer to a temporary file and renames it into place
// once its size has been checked, then records it as resident.
func (d *Downloader) fetch(ctx context.Context, tenant ids.TenantID, be backend.Backend, f Fetch) (int64, error) {
	remote := backend.LayerPath(tenant, f.Timeline, f.Layer.Name, f.Layer.Metadata.Generation)
	local := d.LocalPath(tenant, f.Timeline, f.Layer.Name)

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}

	rc, err := be.Open(ctx, remote)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", remote, err)
	}
	if uint64(n) != f.Layer.Metadata.FileSize {
		return 0, fmt.Errorf("%s: size mismatch: got %d bytes, heatmap says %d", remote, n, f.Layer.Metadata.FileSize)
	}

	// Keep the heatmap access time on the local file so eviction order
	// survives restarts.
	if err := os.Chtimes(tmpName, f.Layer.AccessTime, f.Layer.AccessTime); err != nil {
		return 0, fmt.Errorf("chtimes: %w", err)
	}
	if err := os.Rename(tmpName, local); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}

	err = d.store.Put(layerstore.Record{
		Tenant:     tenant,
		Timeline:   f.Timeline,
		Name:       f.Layer.Name,
		Metadata:   f.Layer.Metadata,
		LastAccess: f.Layer.AccessTime,
		Visible:    true,
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Run reconciles every tenant in its own loop until ctx is done. Each tenant
// waits NextInterval of its last heatmap between passes.
func (d *Downloader) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range d.tenants {
		wg.Add(1)
		go func(t config.TenantConfig) {
			defer wg.Done()
			d.runTenant(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (d *Downloader) runTenant(ctx context.Context, t config.TenantConfig) {
	for {
		res, err := d.Reconcile(ctx, t)
		switch {
		case errors.Is(err, ErrNoHeatmap):
			slog.Info("no heatmap yet", "component", "downloader", "tenant", t.TenantID)
		case err != nil && ctx.Err() == nil:
			slog.Error("secondary reconcile failed", "component", "downloader", "tenant", t.TenantID, "error", err)
		}

		timer := time.NewTimer(d.NextInterval(res.Heatmap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ReconcileAll runs one reconcile pass over every tenant and joins the
// errors. Tenants without a heatmap are not an error.
func (d *Downloader) ReconcileAll(ctx context.Context) ([]ReconcileResult, error) {
	var (
		results []ReconcileResult
		errs    []error
	)
	for _, t := range d.tenants {
		res, err := d.Reconcile(ctx, t)
		if errors.Is(err, ErrNoHeatmap) {
			slog.Info("no heatmap yet", "component", "downloader", "tenant", t.TenantID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("secondary: %d tenant(s) failed: %w", len(errs), errors.Join(errs...))
}
