// Package telemetry collects layer access events and feeds them into the
// layer map, where they become the access times of the next heatmap.
package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/layerstore"
)

// Collector collects and batches access events.
type Collector struct {
	cfg     config.AccessConfig
	emitter Emitter

	batch []AccessEvent
	mu    sync.Mutex

	// Async flush
	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewCollector creates a collector for the configured sink. The "store" and
// "file" sinks update the access times in store; "file" also appends every
// event to a JSON lines file.
func NewCollector(cfg config.AccessConfig, store *layerstore.Store) (*Collector, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	var emitter Emitter
	switch cfg.Sink {
	case "", "store":
		emitter = NewStoreEmitter(store)
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "/var/log/heatmap/access.jsonl"
		}
		fe, err := NewFileEmitter(path)
		if err != nil {
			return nil, err
		}
		emitter = MultiEmitter{NewStoreEmitter(store), fe}
	default:
		emitter = NewNopEmitter()
	}

	return newCollector(cfg, emitter), nil
}

func newCollector(cfg config.AccessConfig, emitter Emitter) *Collector {
	c := &Collector{
		cfg:     cfg,
		emitter: emitter,
		batch:   make([]AccessEvent, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Record adds an access event. Non-blocking.
func (c *Collector) Record(evt AccessEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.batch = append(c.batch, evt)
	shouldFlush := len(c.batch) >= c.cfg.BatchSize
	c.mu.Unlock()

	if shouldFlush {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush forces a flush of the current batch.
func (c *Collector) Flush() {
	c.flush()
}

// Close flushes remaining events and closes the emitter.
func (c *Collector) Close() error {
	close(c.closeCh)
	c.wg.Wait()
	return c.emitter.Close()
}

// Events returns all currently batched events (for testing).
func (c *Collector) Events() []AccessEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AccessEvent, len(c.batch))
	copy(out, c.batch)
	return out
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			c.flush() // Final flush
			return
		case <-c.flushCh:
			c.flush()
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.batch
	c.batch = make([]AccessEvent, 0, c.cfg.BatchSize)
	c.mu.Unlock()

	if err := c.emitter.Emit(batch); err != nil {
		slog.Warn("access flush failed", "component", "telemetry", "count", len(batch), "error", err)
	}
}
