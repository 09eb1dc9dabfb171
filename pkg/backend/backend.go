package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrNotFound is returned when an object does not exist. For a tenant's
// heatmap it means the attached location has not uploaded one yet.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes a remote object or a directory-like prefix.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	// ETag is the object's content hash (MD5) when the remote provides one.
	// Secondaries compare it across polls to skip re-downloading a heatmap
	// that has not changed; an empty ETag always counts as changed.
	ETag  string
	IsDir bool
}

// Backend is the remote storage shared by a tenant's locations. The attached
// location writes one heatmap object per tenant (HeatmapPath) and its layer
// files under the timelines prefix (LayerPath); secondaries only read.
type Backend interface {
	// Name is the key tenants use to refer to this backend in config.
	Name() string

	// Type is the rclone backend type, e.g. "s3", "azureblob" or "local".
	Type() string

	// List returns the direct children of prefix, with paths relative to it.
	// Listing TimelinesPath yields one directory per uploaded timeline.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Stat returns the size and ETag of one object without reading it. The
	// downloader stats the heatmap on every poll and reads it only when the
	// ETag moved.
	Stat(ctx context.Context, path string) (ObjectInfo, error)

	// Open streams a whole object: a heatmap to decode or a layer file to
	// copy into the secondary's local directory.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Write replaces the object at path with size bytes from r. Heatmaps are
	// always rewritten whole; readers must never observe a partial one.
	Write(ctx context.Context, path string, r io.Reader, size int64) error

	// Close releases resources held by this backend.
	Close() error
}

// Registry maps the backend names used in tenant config to backends. The
// uploader and downloader look a tenant's backend up on every pass.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds b under b.Name(). Names must be unique.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend.Registry: backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get returns the backend a tenant names, or an error naming the missing one.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend.Registry: backend %q not found", name)
	}
	return b, nil
}

// Close closes every registered backend and joins their errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
