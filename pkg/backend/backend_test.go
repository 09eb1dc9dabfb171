package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/metrics"
)

func newLocalTestBackend(t *testing.T, dir string) *RcloneBackend {
	t.Helper()
	b, err := NewRcloneBackend("test_local", "local", dir, map[string]string{})
	if err != nil {
		t.Fatalf("Failed to create test backend: %v", err)
	}
	return b
}

func populateTestDir(t *testing.T, dir string) {
	t.Helper()

	sub := filepath.Join(dir, "subdir")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"file1.txt", []byte("hello world")},
		{"file2.txt", []byte("goodbye world")},
		{"subdir/nested.txt", []byte("nested content")},
	} {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.content, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// ---- Registry tests ----

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)

	if err := reg.Register(b); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(b); err == nil {
		t.Error("duplicate Register should fail")
	}

	got, err := reg.Get("test_local")
	if err != nil {
		t.Fatal("Get returned error:", err)
	}
	if got.Name() != "test_local" || got.Type() != "local" {
		t.Errorf("Name/Type = %q/%q, want test_local/local", got.Name(), got.Type())
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Error("Get(missing) should return error")
	}
	if err := reg.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// ---- RcloneBackend tests ----

func TestRcloneBackend_List(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	entries, err := b.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("List returned %d entries, want 3", len(entries))
	}

	var hasDir, hasFile bool
	for _, e := range entries {
		if e.IsDir {
			hasDir = true
		} else {
			hasFile = true
		}
	}
	if !hasDir {
		t.Error("no directory entry found")
	}
	if !hasFile {
		t.Error("no file entry found")
	}

	nested, err := b.List(context.Background(), "subdir")
	if err != nil {
		t.Fatal(err)
	}
	if len(nested) != 1 || nested[0].Path != "nested.txt" {
		t.Errorf("List(subdir) = %+v, want [nested.txt]", nested)
	}

	if _, err := b.List(context.Background(), "no_such_dir"); !errors.Is(err, ErrNotFound) {
		t.Errorf("List(no_such_dir) err = %v, want ErrNotFound", err)
	}
}

func TestRcloneBackend_Stat(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	ctx := context.Background()

	info, err := b.Stat(ctx, "file1.txt")
	if err != nil {
		t.Fatalf("Stat file: %v", err)
	}
	if info.Size != 11 {
		t.Errorf("file1.txt Size = %d, want 11", info.Size)
	}
	if info.ETag == "" {
		t.Error("file1.txt has no ETag")
	}

	other, err := b.Stat(ctx, "file2.txt")
	if err != nil {
		t.Fatal(err)
	}
	if other.ETag == info.ETag {
		t.Error("different content should have different ETags")
	}

	if _, err := b.Stat(ctx, "no_such_file.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat nonexistent err = %v, want ErrNotFound", err)
	}
}

func TestRcloneBackend_Open(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	rc, err := b.Open(context.Background(), "file1.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Errorf("Open = %q, want hello world", string(data))
	}

	if _, err := b.Open(context.Background(), "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open missing err = %v, want ErrNotFound", err)
	}
}

func TestRcloneBackend_WriteNested(t *testing.T) {
	dir := t.TempDir()
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	ctx := context.Background()
	tenant := ids.GenerateTenantID()
	p := HeatmapPath(tenant)
	payload := []byte(`{"generation":1,"timelines":[]}`)

	if err := b.Write(ctx, p, bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("written content = %q, want %q", got, payload)
	}

	// Overwrite replaces the object.
	payload2 := []byte(`{"generation":2,"timelines":[]}`)
	if err := b.Write(ctx, p, bytes.NewReader(payload2), int64(len(payload2))); err != nil {
		t.Fatal(err)
	}
	info, err := b.Stat(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len(payload2)) {
		t.Errorf("Size after overwrite = %d, want %d", info.Size, len(payload2))
	}
}

func TestRcloneBackend_Metrics(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b, err := NewRcloneBackend("metrics_local", "local", dir, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	ctx := context.Background()

	read := metrics.BackendBytesRead.WithLabelValues("metrics_local")
	statErrs := metrics.BackendErrors.WithLabelValues("metrics_local", "stat")
	readBefore, errsBefore := testutil.ToFloat64(read), testutil.ToFloat64(statErrs)

	rc, err := b.Open(ctx, "file2.txt")
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatal(err)
	}
	rc.Close()
	if got := testutil.ToFloat64(read) - readBefore; got != 4 {
		t.Errorf("bytes read counted = %v, want 4 (only what was read)", got)
	}

	if _, err := b.Stat(ctx, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat missing err = %v", err)
	}
	if got := testutil.ToFloat64(statErrs) - errsBefore; got != 0 {
		t.Errorf("not found counted as %v backend errors, want 0", got)
	}
}

func TestRcloneBackend_TenantLayout(t *testing.T) {
	b := newLocalTestBackend(t, t.TempDir())
	defer b.Close()
	ctx := context.Background()

	write := func(p string, data []byte) {
		t.Helper()
		if err := b.Write(ctx, p, bytes.NewReader(data), int64(len(data))); err != nil {
			t.Fatal(err)
		}
	}

	tenant := ids.GenerateTenantID()
	tl1, tl2 := ids.GenerateTimelineID(), ids.GenerateTimelineID()
	name := layer.NewImageName(layer.Key{}, layer.Key{0x01}, 0x10)
	write(LayerPath(tenant, tl1, name, 1), []byte("layer one"))
	write(LayerPath(tenant, tl2, name, 1), []byte("layer two"))

	timelines, err := b.List(ctx, TimelinesPath(tenant))
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, e := range timelines {
		if !e.IsDir {
			t.Errorf("unexpected object %q under the timelines prefix", e.Path)
		}
		got[e.Path] = true
	}
	if len(got) != 2 || !got[tl1.String()] || !got[tl2.String()] {
		t.Errorf("timelines = %v, want %s and %s", got, tl1, tl2)
	}

	// The heatmap ETag is stable across identical rewrites and moves when
	// the content changes.
	hp := HeatmapPath(tenant)
	write(hp, []byte(`{"generation":1,"timelines":[]}`))
	first, err := b.Stat(ctx, hp)
	if err != nil {
		t.Fatal(err)
	}
	write(hp, []byte(`{"generation":1,"timelines":[]}`))
	same, err := b.Stat(ctx, hp)
	if err != nil {
		t.Fatal(err)
	}
	if first.ETag == "" || same.ETag != first.ETag {
		t.Errorf("ETag after identical rewrite = %q, want %q", same.ETag, first.ETag)
	}
	write(hp, []byte(`{"generation":2,"timelines":[]}`))
	changed, err := b.Stat(ctx, hp)
	if err != nil {
		t.Fatal(err)
	}
	if changed.ETag == first.ETag {
		t.Error("ETag did not change with the heatmap content")
	}
}

func TestRcloneBackend_ConcurrentOpens(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)
	defer b.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, err := b.Open(context.Background(), "file1.txt")
			if err != nil {
				errs <- err
				return
			}
			defer rc.Close()
			if _, err := io.ReadAll(rc); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent open error: %v", err)
	}
}

func TestNewRcloneBackend_UnknownType(t *testing.T) {
	if _, err := NewRcloneBackend("x", "no_such_type", "/tmp", nil); err == nil {
		t.Error("unknown backend type should fail")
	}
}

func TestRemotePaths(t *testing.T) {
	tenant, _ := ids.ParseTenantID("0123456789abcdef0123456789abcdef")
	timeline, _ := ids.ParseTimelineID("fedcba9876543210fedcba9876543210")
	name := layer.NewImageName(layer.Key{}, layer.Key{0x01}, 0x10)

	if got, want := HeatmapPath(tenant), "tenants/0123456789abcdef0123456789abcdef/heatmap-v1.json"; got != want {
		t.Errorf("HeatmapPath = %q, want %q", got, want)
	}
	lp := LayerPath(tenant, timeline, name, 3)
	wantPrefix := "tenants/0123456789abcdef0123456789abcdef/timelines/fedcba9876543210fedcba9876543210/"
	if !strings.HasPrefix(lp, wantPrefix) {
		t.Errorf("LayerPath = %q, want prefix %q", lp, wantPrefix)
	}
	if !strings.HasSuffix(lp, name.String()+"-00000003") {
		t.Errorf("LayerPath = %q, want generation suffix", lp)
	}
	if got := LayerPath(tenant, timeline, name, layer.GenerationNone); !strings.HasSuffix(got, name.String()) {
		t.Errorf("LayerPath(none) = %q", got)
	}
}
