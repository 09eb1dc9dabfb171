package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/layerstore"
)

// Emitter sends batches of events to a sink.
type Emitter interface {
	Emit(events []AccessEvent) error
	Close() error
}

type layerRef struct {
	tenant   ids.TenantID
	timeline ids.TimelineID
	name     layer.Name
}

// StoreEmitter moves the access times of the layer map forward.
type StoreEmitter struct {
	store *layerstore.Store
}

// NewStoreEmitter creates an emitter that touches layers in store.
func NewStoreEmitter(store *layerstore.Store) *StoreEmitter {
	return &StoreEmitter{store: store}
}

// Emit records the latest access of every layer in the batch. Events for
// layers missing from the layer map are dropped.
func (e *StoreEmitter) Emit(events []AccessEvent) error {
	latest := make(map[layerRef]AccessEvent, len(events))
	var order []layerRef
	for _, evt := range events {
		ref := layerRef{evt.Tenant, evt.Timeline, evt.Layer}
		prev, seen := latest[ref]
		if !seen {
			order = append(order, ref)
		}
		if !seen || evt.Timestamp.After(prev.Timestamp) {
			latest[ref] = evt
		}
	}

	var errs []error
	for _, ref := range order {
		evt := latest[ref]
		err := e.store.Touch(evt.Tenant, evt.Timeline, evt.Layer, evt.Timestamp)
		if errors.Is(err, layerstore.ErrNotFound) {
			slog.Debug("access to unknown layer", "component", "telemetry",
				"tenant", evt.Tenant, "timeline", evt.Timeline, "layer", evt.Layer)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry.StoreEmitter: %w", errors.Join(errs...))
	}
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (e *StoreEmitter) Close() error {
	return nil
}

// FileEmitter writes JSON lines to a file.
type FileEmitter struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewFileEmitter creates a file emitter that writes JSONL to the given path.
func NewFileEmitter(path string) (*FileEmitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry.NewFileEmitter: %w", err)
	}
	return &FileEmitter{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// Emit writes events as JSON lines to file.
func (e *FileEmitter) Emit(events []AccessEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range events {
		if err := e.encoder.Encode(evt); err != nil {
			return fmt.Errorf("telemetry.FileEmitter: %w", err)
		}
	}
	return nil
}

// Close closes the file.
func (e *FileEmitter) Close() error {
	return e.file.Close()
}

// MultiEmitter sends every batch to each of its emitters.
type MultiEmitter []Emitter

// Emit emits to every emitter and joins their errors.
func (m MultiEmitter) Emit(events []AccessEvent) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every emitter.
func (m MultiEmitter) Close() error {
	var errs []error
	for _, e := range m {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopEmitter discards all events.
type NopEmitter struct{}

// NewNopEmitter creates a no-op emitter.
func NewNopEmitter() *NopEmitter {
	return &NopEmitter{}
}

// Emit discards events.
func (e *NopEmitter) Emit(events []AccessEvent) error {
	return nil
}

// Close is a no-op.
func (e *NopEmitter) Close() error {
	return nil
}

// MemoryEmitter stores events in memory (for testing).
type MemoryEmitter struct {
	mu     sync.Mutex
	events []AccessEvent
}

// NewMemoryEmitter creates a memory-backed emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Emit stores events.
func (e *MemoryEmitter) Emit(events []AccessEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, events...)
	return nil
}

// Close is a no-op.
func (e *MemoryEmitter) Close() error {
	return nil
}

// Events returns all stored events.
func (e *MemoryEmitter) Events() []AccessEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AccessEvent, len(e.events))
	copy(out, e.events)
	return out
}

// Len returns the number of stored events.
func (e *MemoryEmitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}
