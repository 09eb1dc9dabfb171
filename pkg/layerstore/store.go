// Package layerstore keeps the layer map of a location in badger.
//
// On an attached location the records are the live layer map the heatmap is
// built from. On a secondary location they describe the layer files that
// have been downloaded and are resident on local disk.
package layerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
)

// ErrNotFound is returned when no record exists for a layer.
var ErrNotFound = errors.New("layerstore: layer not found")

// Record is stored as JSON in badger for each layer.
type Record struct {
	Tenant     ids.TenantID       `json:"tn"`
	Timeline   ids.TimelineID     `json:"tl"`
	Name       layer.Name         `json:"n"`
	Metadata   layer.FileMetadata `json:"m"`
	LastAccess time.Time          `json:"la"`
	// Visible is false for layers that are on disk but no longer reachable
	// by reads, e.g. layers covered by newer image layers.
	Visible bool `json:"v"`
}

// layerKey returns the badger key for a layer record.
func layerKey(tenant ids.TenantID, timeline ids.TimelineID, name layer.Name) []byte {
	return []byte(fmt.Sprintf("layer:%s:%s:%s", tenant, timeline, name))
}

// tenantPrefix returns the key prefix shared by all layers of a tenant.
func tenantPrefix(tenant ids.TenantID) []byte {
	return []byte(fmt.Sprintf("layer:%s:", tenant))
}

// Store is a badger-backed layer map.
type Store struct {
	db *badger.DB
}

// Open opens the store at path. An empty path opens an in-memory store.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("layerstore.Open: %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put creates or replaces the record of a layer.
func (s *Store) Put(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("layerstore.Put: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(layerKey(rec.Tenant, rec.Timeline, rec.Name), val)
	})
	if err != nil {
		return fmt.Errorf("layerstore.Put %s: %w", rec.Name, err)
	}
	return nil
}

// Get returns the record of a layer.
func (s *Store) Get(tenant ids.TenantID, timeline ids.TimelineID, name layer.Name) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, layerKey(tenant, timeline, name))
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("layerstore.Get %s: %w", name, err)
	}
	return rec, nil
}

// Delete removes the record of a layer. Deleting a missing record is not an
// error.
func (s *Store) Delete(tenant ids.TenantID, timeline ids.TimelineID, name layer.Name) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(layerKey(tenant, timeline, name))
	})
	if err != nil {
		return fmt.Errorf("layerstore.Delete %s: %w", name, err)
	}
	return nil
}

// Touch records an access to a layer. The access time only moves forward.
func (s *Store) Touch(tenant ids.TenantID, timeline ids.TimelineID, name layer.Name, at time.Time) error {
	key := layerKey(tenant, timeline, name)
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, key)
		if err != nil {
			return err
		}
		if !at.After(rec.LastAccess) {
			return nil
		}
		rec.LastAccess = at
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("layerstore.Touch %s: %w", name, err)
	}
	return nil
}

// List returns every record of a tenant ordered by timeline, then name.
func (s *Store) List(tenant ids.TenantID) ([]Record, error) {
	var recs []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tenantPrefix(tenant)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("corrupt record %s: %w", item.Key(), err)
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("layerstore.List %s: %w", tenant, err)
	}
	return recs, nil
}

// ResidentBytes sums the file sizes of a tenant's layers.
func (s *Store) ResidentBytes(tenant ids.TenantID) (uint64, error) {
	recs, err := s.List(tenant)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, r := range recs {
		total += r.Metadata.FileSize
	}
	return total, nil
}

func getRecord(txn *badger.Txn, key []byte) (Record, error) {
	var rec Record
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}
