package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/warpdrive/heatmap/pkg/backend"
	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/control"
	"github.com/warpdrive/heatmap/pkg/heatmap"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/layerstore"
	"github.com/warpdrive/heatmap/pkg/secondary"
	"github.com/warpdrive/heatmap/pkg/telemetry"
)

// node is one location of a tenant: its layer map and node API.
type node struct {
	store    *layerstore.Store
	api      *httptest.Server
	local    string
	tenant   config.TenantConfig
	uploader *secondary.Uploader
}

// testEnv holds an attached and a secondary location sharing one remote.
type testEnv struct {
	remoteDir string
	be        *backend.RcloneBackend
	attached  *node
	secondary *node
	collector *telemetry.Collector
	timeline  ids.TimelineID
}

func newTestEnv(t *testing.T, upload config.UploadConfig, maxBytes int64) *testEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in -short mode")
	}

	env := &testEnv{remoteDir: t.TempDir(), timeline: ids.GenerateTimelineID()}

	be, err := backend.NewRcloneBackend("remote", "local", env.remoteDir, map[string]string{})
	if err != nil {
		t.Fatalf("NewRcloneBackend: %v", err)
	}
	env.be = be
	reg := backend.NewRegistry()
	if err := reg.Register(be); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	tenantID := ids.GenerateTenantID()
	attachedCfg := config.TenantConfig{
		ID:         tenantID.String(),
		Generation: 4,
		Backend:    "remote",
		Mode:       config.ModeAttached,
		TenantID:   tenantID,
	}
	secondaryCfg := attachedCfg
	secondaryCfg.Mode = config.ModeSecondary

	// Attached location.
	aStore := openStore(t)
	collector, err := telemetry.NewCollector(config.AccessConfig{
		Sink:          "store",
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, aStore)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { collector.Close() })
	env.collector = collector

	uploader := secondary.NewUploader(aStore, reg, upload, []config.TenantConfig{attachedCfg})
	env.attached = &node{
		store:    aStore,
		tenant:   attachedCfg,
		uploader: uploader,
		api: newAPI(t, control.Deps{
			Store:     aStore,
			Tenants:   []config.TenantConfig{attachedCfg},
			Upload:    upload,
			Uploader:  uploader,
			Collector: collector,
		}),
	}

	// Secondary location.
	sStore := openStore(t)
	local := t.TempDir()
	downloader := secondary.NewDownloader(sStore, reg, config.DownloadConfig{
		DefaultInterval: time.Minute,
		Workers:         4,
		LocalDir:        local,
		MaxBytes:        maxBytes,
		CacheTTL:        time.Minute,
	}, []config.TenantConfig{secondaryCfg})
	env.secondary = &node{
		store:  sStore,
		local:  local,
		tenant: secondaryCfg,
		api: newAPI(t, control.Deps{
			Store:      sStore,
			Tenants:    []config.TenantConfig{secondaryCfg},
			Downloader: downloader,
		}),
	}
	return env
}

func openStore(t *testing.T) *layerstore.Store {
	t.Helper()
	s, err := layerstore.Open("")
	if err != nil {
		t.Fatalf("layerstore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newAPI(t *testing.T, deps control.Deps) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	control.NewServer(config.ControlConfig{}, deps).RegisterAPIRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func layerName(i int) layer.Name {
	var start, end layer.Key
	start[17] = byte(i)
	end[17] = byte(i + 1)
	return layer.NewImageName(start, end, layer.LSN(0x1000*i))
}

// addLayer records a resident layer on the attached location and writes its
// file to the remote, as the attached location's layer uploads would.
func (env *testEnv) addLayer(t *testing.T, i int, size int, access time.Time) layer.Name {
	t.Helper()
	a := env.attached
	name := layerName(i)
	rec := layerstore.Record{
		Tenant:     a.tenant.TenantID,
		Timeline:   env.timeline,
		Name:       name,
		Metadata:   layer.NewFileMetadata(uint64(size), a.tenant.Gen()),
		LastAccess: access,
		Visible:    true,
	}
	if err := a.store.Put(rec); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{byte(i)}, size)
	p := backend.LayerPath(rec.Tenant, env.timeline, name, rec.Metadata.Generation)
	if err := env.be.Write(context.Background(), p, bytes.NewReader(data), int64(size)); err != nil {
		t.Fatal(err)
	}
	return name
}

func (n *node) post(t *testing.T, path string, body any) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	url := fmt.Sprintf("%s/api/v1/tenants/%s/%s", n.api.URL, n.tenant.TenantID, path)
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", path, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("POST %s: decode: %v", path, err)
	}
	return out
}

func (n *node) heatmap(t *testing.T) *heatmap.Tenant {
	t.Helper()
	url := fmt.Sprintf("%s/api/v1/tenants/%s/heatmap", n.api.URL, n.tenant.TenantID)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	h, err := heatmap.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode heatmap: %v", err)
	}
	return h
}

func (n *node) localFile(timeline ids.TimelineID, name layer.Name) string {
	return filepath.Join(n.local, "tenants", n.tenant.TenantID.String(), "timelines", timeline.String(), name.String())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TestAccessUploadDownload follows a read on the attached location through
// the heatmap to a warm layer on the secondary.
func TestAccessUploadDownload(t *testing.T) {
	upload := config.UploadConfig{
		Period:          10 * time.Second,
		HeatWindow:      time.Hour,
		MaxUnchangedAge: time.Hour,
	}
	env := newTestEnv(t, upload, 0)
	now := time.Now()

	recent := env.addLayer(t, 1, 1024, now.Add(-10*time.Minute))
	stale := env.addLayer(t, 2, 2048, now.Add(-3*time.Hour))

	// Only the recent layer is within the heat window.
	h := env.attached.heatmap(t)
	if got := h.Stats(); got.Layers != 1 || got.Bytes != 1024 {
		t.Fatalf("heatmap stats = %+v, want 1 layer of 1024 bytes", got)
	}

	res := env.attached.post(t, "upload", nil)
	if res["uploaded"] != true {
		t.Fatalf("first upload: %v", res)
	}
	res = env.secondary.post(t, "download", nil)
	if res["downloaded"] != float64(1) {
		t.Fatalf("first download: %v", res)
	}
	if !fileExists(env.secondary.localFile(env.timeline, recent)) {
		t.Fatal("recent layer should be on the secondary")
	}
	if fileExists(env.secondary.localFile(env.timeline, stale)) {
		t.Fatal("stale layer should not be on the secondary")
	}

	// A read of the stale layer makes it hot again.
	res = env.attached.post(t, "access", []map[string]any{{
		"timeline":   env.timeline.String(),
		"layer":      stale.String(),
		"bytes_read": 512,
	}})
	if res["accepted"] != float64(1) {
		t.Fatalf("access: %v", res)
	}
	env.collector.Flush()

	res = env.attached.post(t, "upload", nil)
	if res["uploaded"] != true || res["hot_layers"] != float64(2) {
		t.Fatalf("second upload: %v", res)
	}
	res = env.secondary.post(t, "download", nil)
	if res["downloaded"] != float64(1) || res["kept"] != float64(1) {
		t.Fatalf("second download: %v", res)
	}
	data, err := os.ReadFile(env.secondary.localFile(env.timeline, stale))
	if err != nil {
		t.Fatalf("stale layer after access: %v", err)
	}
	if len(data) != 2048 || data[0] != 2 {
		t.Fatalf("stale layer content: %d bytes, first byte %d", len(data), data[0])
	}

	// Nothing changed, so the uploader skips and the secondary keeps both.
	res = env.attached.post(t, "upload", nil)
	if res["uploaded"] != false {
		t.Fatalf("third upload should be skipped: %v", res)
	}
	res = env.secondary.post(t, "download", nil)
	if res["downloaded"] != float64(0) || res["kept"] != float64(2) {
		t.Fatalf("third download: %v", res)
	}
}

// TestEvictionOnLayerRemoval checks that a layer dropped from the attached
// layer map disappears from the secondary on the next pass.
func TestEvictionOnLayerRemoval(t *testing.T) {
	env := newTestEnv(t, config.UploadConfig{Period: 10 * time.Second}, 0)
	now := time.Now()

	keep := env.addLayer(t, 1, 100, now)
	drop := env.addLayer(t, 2, 200, now)

	env.attached.post(t, "upload", nil)
	res := env.secondary.post(t, "download", nil)
	if res["downloaded"] != float64(2) {
		t.Fatalf("first download: %v", res)
	}

	a := env.attached
	if err := a.store.Delete(a.tenant.TenantID, env.timeline, drop); err != nil {
		t.Fatal(err)
	}
	env.attached.post(t, "upload", nil)
	res = env.secondary.post(t, "download", nil)
	if res["evicted"] != float64(1) || res["kept"] != float64(1) {
		t.Fatalf("second download: %v", res)
	}
	if fileExists(env.secondary.localFile(env.timeline, drop)) {
		t.Fatal("dropped layer should be evicted")
	}
	if !fileExists(env.secondary.localFile(env.timeline, keep)) {
		t.Fatal("kept layer should remain")
	}

	resident, err := env.secondary.store.List(env.secondary.tenant.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if len(resident) != 1 || resident[0].Name != keep {
		t.Fatalf("resident = %v, want only %s", resident, keep)
	}
}

// TestSecondaryBudget checks the download budget prefers recent layers.
func TestSecondaryBudget(t *testing.T) {
	env := newTestEnv(t, config.UploadConfig{Period: 10 * time.Second}, 300)
	now := time.Now()

	older := env.addLayer(t, 1, 200, now.Add(-time.Hour))
	newer := env.addLayer(t, 2, 200, now.Add(-time.Minute))

	env.attached.post(t, "upload", nil)
	res := env.secondary.post(t, "download", nil)
	if res["downloaded"] != float64(1) || res["skipped_bytes"] != float64(200) {
		t.Fatalf("download: %v", res)
	}
	if !fileExists(env.secondary.localFile(env.timeline, newer)) {
		t.Fatal("newer layer should fit the budget")
	}
	if fileExists(env.secondary.localFile(env.timeline, older)) {
		t.Fatal("older layer should be skipped")
	}
}

func TestDownloadBeforeUpload(t *testing.T) {
	env := newTestEnv(t, config.UploadConfig{}, 0)

	url := fmt.Sprintf("%s/api/v1/tenants/%s/download", env.secondary.api.URL, env.secondary.tenant.TenantID)
	resp, err := http.Post(url, "application/json", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any heatmap exists", resp.StatusCode)
	}
}
