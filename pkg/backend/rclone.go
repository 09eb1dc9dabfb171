package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/warpdrive/heatmap/pkg/metrics"

	// Register rclone backends via blank imports.
	_ "github.com/rclone/rclone/backend/azureblob"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
	"github.com/rclone/rclone/fs/hash"
	"github.com/rclone/rclone/fs/object"
)

// RcloneBackend serves heatmaps and layer files from any rclone remote.
type RcloneBackend struct {
	name     string
	backType string
	rfs      fs.Fs
}

// NewRcloneBackend creates a backend from config.
// backendType is the rclone backend name (e.g. "azureblob", "s3", "local").
// remotePath is the bucket/container + optional prefix.
// params maps rclone config keys to values; credentials go here too.
func NewRcloneBackend(name, backendType, remotePath string, params map[string]string) (*RcloneBackend, error) {
	regInfo, err := fs.Find(backendType)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: unknown type %q: %w", backendType, err)
	}

	rfs, err := regInfo.NewFs(context.Background(), name, remotePath, configmap.Simple(params))
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: create %q (%s): %w", name, backendType, err)
	}

	slog.Info("backend created",
		"component", "backend", "name", name,
		"type", backendType, "path", remotePath,
	)
	return &RcloneBackend{name: name, backType: backendType, rfs: rfs}, nil
}

func (b *RcloneBackend) Name() string { return b.name }
func (b *RcloneBackend) Type() string { return b.backType }

// observe records the latency of op. A missing object is an answer, not a
// backend failure, so it is not counted as an error.
func (b *RcloneBackend) observe(op string, start time.Time, err error) {
	metrics.BackendRequestDuration.WithLabelValues(b.name, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.BackendErrors.WithLabelValues(b.name, op).Inc()
	}
}

// wrap maps rclone's not-found errors onto ErrNotFound and adds the
// backend, operation and path.
func (b *RcloneBackend) wrap(op, path string, err error) error {
	if errors.Is(err, fs.ErrorObjectNotFound) || errors.Is(err, fs.ErrorDirNotFound) {
		err = ErrNotFound
	}
	return fmt.Errorf("backend %s: %s %q: %w", b.name, op, path, err)
}

// List returns the direct children of prefix with paths relative to it.
func (b *RcloneBackend) List(ctx context.Context, prefix string) (_ []ObjectInfo, err error) {
	defer func(start time.Time) { b.observe("list", start, err) }(time.Now())

	entries, err := b.rfs.List(ctx, prefix)
	if err != nil {
		return nil, b.wrap("List", prefix, err)
	}

	result := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		oi := ObjectInfo{
			Path:    strings.TrimPrefix(strings.TrimPrefix(entry.Remote(), prefix), "/"),
			Size:    entry.Size(),
			ModTime: entry.ModTime(ctx),
		}
		if _, ok := entry.(fs.Directory); ok {
			oi.IsDir = true
		}
		result = append(result, oi)
	}
	return result, nil
}

// Stat returns info for a single object, including its MD5 ETag when the
// remote supports it.
func (b *RcloneBackend) Stat(ctx context.Context, path string) (_ ObjectInfo, err error) {
	defer func(start time.Time) { b.observe("stat", start, err) }(time.Now())

	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		return ObjectInfo{}, b.wrap("Stat", path, err)
	}
	return objectInfoFromRclone(ctx, obj), nil
}

// Open returns a reader for the entire object. Bytes are counted as they
// are read.
func (b *RcloneBackend) Open(ctx context.Context, path string) (_ io.ReadCloser, err error) {
	defer func(start time.Time) { b.observe("open", start, err) }(time.Now())

	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		return nil, b.wrap("Open", path, err)
	}
	rc, err := obj.Open(ctx)
	if err != nil {
		return nil, b.wrap("Open", path, err)
	}
	return &countingReader{ReadCloser: rc, backend: b.name}, nil
}

// Write creates or replaces the object at path. Remotes that support it
// store the object atomically, so readers see either the old or the new
// heatmap, never a partial one.
func (b *RcloneBackend) Write(ctx context.Context, path string, r io.Reader, size int64) (err error) {
	defer func(start time.Time) { b.observe("write", start, err) }(time.Now())

	info := object.NewStaticObjectInfo(path, time.Now(), size, true, nil, b.rfs)
	if _, err := b.rfs.Put(ctx, r, info); err != nil {
		return b.wrap("Write", path, err)
	}
	return nil
}

// Close releases resources.
func (b *RcloneBackend) Close() error {
	slog.Info("backend closed", "component", "backend", "name", b.name)
	return nil
}

func objectInfoFromRclone(ctx context.Context, obj fs.Object) ObjectInfo {
	oi := ObjectInfo{
		Path:    obj.Remote(),
		Size:    obj.Size(),
		ModTime: obj.ModTime(ctx),
	}
	if h, err := obj.Hash(ctx, hash.MD5); err == nil && h != "" {
		oi.ETag = h
	}
	return oi
}

type countingReader struct {
	io.ReadCloser
	backend string
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		metrics.BackendBytesRead.WithLabelValues(c.backend).Add(float64(n))
	}
	return n, err
}
