package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/layerstore"
)

var baseTime = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func testName(i int) layer.Name {
	var start, end layer.Key
	start[0] = byte(i)
	end[0] = byte(i + 1)
	return layer.NewDeltaName(start, end, layer.LSN(i), layer.LSN(i+0x10))
}

func openStore(t *testing.T) *layerstore.Store {
	t.Helper()
	s, err := layerstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func putLayer(t *testing.T, s *layerstore.Store, tenant ids.TenantID, tl ids.TimelineID, i int) {
	t.Helper()
	err := s.Put(layerstore.Record{
		Tenant:     tenant,
		Timeline:   tl,
		Name:       testName(i),
		Metadata:   layer.NewFileMetadata(1024, 1),
		LastAccess: baseTime,
		Visible:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCollectorRecordAndFlush(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newCollector(config.AccessConfig{BatchSize: 10, FlushInterval: time.Hour}, mem)

	c.Record(AccessEvent{
		Timestamp: baseTime,
		Tenant:    ids.GenerateTenantID(),
		Timeline:  ids.GenerateTimelineID(),
		Layer:     testName(1),
		BytesRead: 8192,
	})

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 batched event, got %d", len(events))
	}
	if events[0].Layer != testName(1) {
		t.Errorf("expected layer %s, got %s", testName(1), events[0].Layer)
	}

	c.Flush()
	if mem.Len() != 1 {
		t.Fatalf("expected 1 emitted event after flush, got %d", mem.Len())
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCollectorDefaultsTimestamp(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newCollector(config.AccessConfig{BatchSize: 10, FlushInterval: time.Hour}, mem)
	defer c.Close()

	c.Record(AccessEvent{Layer: testName(1)})
	if c.Events()[0].Timestamp.IsZero() {
		t.Error("expected Record to stamp events without a timestamp")
	}
}

func TestCollectorBatchFlush(t *testing.T) {
	mem := NewMemoryEmitter()
	batchSize := 5
	c := newCollector(config.AccessConfig{BatchSize: batchSize, FlushInterval: time.Hour}, mem)

	for i := 0; i < batchSize; i++ {
		c.Record(AccessEvent{Timestamp: baseTime, Layer: testName(i)})
	}

	deadline := time.Now().Add(5 * time.Second)
	for mem.Len() != batchSize && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mem.Len() != batchSize {
		t.Errorf("expected %d emitted events, got %d", batchSize, mem.Len())
	}
	c.Close()
}

func TestCollectorCloseFlushesRemaining(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newCollector(config.AccessConfig{BatchSize: 100, FlushInterval: time.Hour}, mem)

	for i := 0; i < 3; i++ {
		c.Record(AccessEvent{Timestamp: baseTime, Layer: testName(i)})
	}
	c.Close()

	if mem.Len() != 3 {
		t.Errorf("expected 3 events after close, got %d", mem.Len())
	}
}

func TestNewCollectorDefaults(t *testing.T) {
	c, err := NewCollector(config.AccessConfig{}, openStore(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.cfg.BatchSize != 100 {
		t.Errorf("expected default BatchSize=100, got %d", c.cfg.BatchSize)
	}
	if c.cfg.FlushInterval != 5*time.Second {
		t.Errorf("expected default FlushInterval=5s, got %v", c.cfg.FlushInterval)
	}
	if _, ok := c.emitter.(*StoreEmitter); !ok {
		t.Errorf("expected store emitter by default, got %T", c.emitter)
	}
}

func TestStoreEmitter(t *testing.T) {
	s := openStore(t)
	tenant, tl := ids.GenerateTenantID(), ids.GenerateTimelineID()
	putLayer(t, s, tenant, tl, 1)
	putLayer(t, s, tenant, tl, 2)

	e := NewStoreEmitter(s)
	err := e.Emit([]AccessEvent{
		{Timestamp: baseTime.Add(2 * time.Minute), Tenant: tenant, Timeline: tl, Layer: testName(1)},
		{Timestamp: baseTime.Add(5 * time.Minute), Tenant: tenant, Timeline: tl, Layer: testName(1)},
		{Timestamp: baseTime.Add(time.Minute), Tenant: tenant, Timeline: tl, Layer: testName(1)},
		// Older than the recorded access: ignored.
		{Timestamp: baseTime.Add(-time.Hour), Tenant: tenant, Timeline: tl, Layer: testName(2)},
		// Not in the layer map: dropped.
		{Timestamp: baseTime, Tenant: tenant, Timeline: tl, Layer: testName(9)},
	})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	rec, err := s.Get(tenant, tl, testName(1))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.LastAccess.Equal(baseTime.Add(5 * time.Minute)) {
		t.Errorf("LastAccess = %s, want latest event", rec.LastAccess)
	}
	rec, err = s.Get(tenant, tl, testName(2))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.LastAccess.Equal(baseTime) {
		t.Errorf("LastAccess moved backwards to %s", rec.LastAccess)
	}
}

func TestNewCollectorFileSink(t *testing.T) {
	s := openStore(t)
	tenant, tl := ids.GenerateTenantID(), ids.GenerateTimelineID()
	putLayer(t, s, tenant, tl, 1)
	path := filepath.Join(t.TempDir(), "access.jsonl")

	c, err := NewCollector(config.AccessConfig{Sink: "file", FilePath: path}, s)
	if err != nil {
		t.Fatal(err)
	}

	at := baseTime.Add(time.Hour)
	c.Record(AccessEvent{Timestamp: at, Tenant: tenant, Timeline: tl, Layer: testName(1), BytesRead: 512})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one line in access log")
	}
	var evt AccessEvent
	if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Tenant != tenant || evt.Layer != testName(1) || evt.BytesRead != 512 {
		t.Errorf("logged event = %+v", evt)
	}

	// The layer map is updated as well.
	rec, err := s.Get(tenant, tl, testName(1))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.LastAccess.Equal(at) {
		t.Errorf("LastAccess = %s, want %s", rec.LastAccess, at)
	}
}

func TestMemoryEmitter(t *testing.T) {
	m := NewMemoryEmitter()
	if err := m.Emit([]AccessEvent{{Layer: testName(1)}, {Layer: testName(2)}}); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 events, got %d", m.Len())
	}
	stored := m.Events()
	if stored[0].Layer != testName(1) || stored[1].Layer != testName(2) {
		t.Error("events not stored correctly")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNopEmitter(t *testing.T) {
	n := NewNopEmitter()
	if err := n.Emit([]AccessEvent{{Layer: testName(1)}}); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := NewMemoryEmitter(), NewMemoryEmitter()
	m := MultiEmitter{a, b, NewNopEmitter()}
	if err := m.Emit([]AccessEvent{{Layer: testName(1)}}); err != nil {
		t.Fatal(err)
	}
	if a.Len() != 1 || b.Len() != 1 {
		t.Errorf("expected every emitter to see the batch, got %d and %d", a.Len(), b.Len())
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFileEmitterBadPath(t *testing.T) {
	_, err := NewFileEmitter("/nonexistent/path/file.jsonl")
	if err == nil {
		t.Error("expected error for bad path")
	}
}
