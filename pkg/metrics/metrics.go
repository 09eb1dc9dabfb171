package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Heatmap upload metrics (attached locations)
	HeatmapUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatmap_upload_total",
		Help: "Heatmap upload attempts by result",
	}, []string{"result"})
	HeatmapUploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heatmap_upload_duration_seconds",
		Help:    "Time to build, encode and upload a heatmap",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	})
	HeatmapHotLayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "heatmap_hot_layers",
		Help: "Hot layers advertised in the last heatmap",
	}, []string{"tenant"})
	HeatmapHotBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "heatmap_hot_bytes",
		Help: "Total size of hot layers advertised in the last heatmap",
	}, []string{"tenant"})

	// Heatmap download metrics (secondary locations)
	HeatmapDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatmap_download_total",
		Help: "Heatmap downloads by result",
	}, []string{"result"})
	GenerationRegressions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heatmap_generation_regression_total",
		Help: "Downloaded heatmaps whose generation is older than one seen before",
	})
	LayersDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secondary_layers_downloaded_total",
		Help: "Layer files fetched by secondary locations",
	})
	LayerBytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secondary_layer_bytes_downloaded_total",
		Help: "Bytes of layer files fetched by secondary locations",
	})
	LayerDownloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secondary_layer_download_errors_total",
		Help: "Layer file fetches that failed",
	})
	LayersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secondary_layers_evicted_total",
		Help: "Layer files removed by secondary locations",
	})
	ResidentBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "secondary_resident_bytes",
		Help: "Bytes of layer files resident on a secondary location",
	}, []string{"tenant"})

	// Backend metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heatmap_backend_request_duration_seconds",
		Help:    "Backend request duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend", "operation"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatmap_backend_errors_total",
		Help: "Backend errors by operation",
	}, []string{"backend", "operation"})

	BackendBytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatmap_backend_bytes_read_total",
		Help: "Total bytes read from backends",
	}, []string{"backend"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	HeatmapUploads.WithLabelValues("uploaded")
	HeatmapUploads.WithLabelValues("skipped")
	HeatmapUploads.WithLabelValues("error")
	HeatmapDownloads.WithLabelValues("downloaded")
	HeatmapDownloads.WithLabelValues("unchanged")
	HeatmapDownloads.WithLabelValues("not_found")
	HeatmapDownloads.WithLabelValues("error")
	BackendRequestDuration.WithLabelValues("", "open")
	BackendErrors.WithLabelValues("", "open")
	BackendBytesRead.WithLabelValues("")
}

// checkTimeout bounds a single health check.
const checkTimeout = 2 * time.Second

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

var health = struct {
	mu     sync.RWMutex
	checks map[string]func(context.Context) error
}{checks: make(map[string]func(context.Context) error)}

// RegisterHealthCheck adds a named check of a node dependency, such as the
// layer map or a remote backend. Registering a name again replaces it.
func RegisterHealthCheck(name string, check func(ctx context.Context) error) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.checks[name] = check
}

// RunChecks runs every registered check concurrently, each bounded by its
// own timeout, and reports "degraded" if any fails.
func RunChecks(ctx context.Context) HealthStatus {
	health.mu.RLock()
	checks := make(map[string]func(context.Context) error, len(health.checks))
	for name, check := range health.checks {
		checks[name] = check
	}
	health.mu.RUnlock()

	status := HealthStatus{Status: "ok", Checks: make(map[string]string, len(checks))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			result := "ok"
			if err := check(cctx); err != nil {
				result = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[name] = result
			if result != "ok" {
				status.Status = "degraded"
			}
		}()
	}
	wg.Wait()
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := RunChecks(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// MetricsServer serves /metrics and /healthz on addr until ctx is cancelled,
// then shuts down gracefully.
func MetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
