package layer

import (
	"encoding/hex"
	"fmt"
)

// ShardIndex identifies the shard that wrote a layer. The zero value is an
// unsharded tenant.
type ShardIndex struct {
	Number uint8
	Count  uint8
}

// Unsharded is the shard index of a tenant that was never split.
var Unsharded = ShardIndex{}

// IsUnsharded reports whether s is the unsharded index.
func (s ShardIndex) IsUnsharded() bool { return s == Unsharded }

func (s ShardIndex) String() string { return fmt.Sprintf("%02x%02x", s.Number, s.Count) }

func (s ShardIndex) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ShardIndex) UnmarshalText(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("layer: invalid shard index %q", b)
	}
	var raw [2]byte
	if _, err := hex.Decode(raw[:], b); err != nil {
		return fmt.Errorf("layer: invalid shard index %q: %w", b, err)
	}
	s.Number, s.Count = raw[0], raw[1]
	return nil
}

// FileMetadata describes a layer file as stored remotely.
// Generation is omitted from the encoding when none; Shard decodes to
// Unsharded when absent.
type FileMetadata struct {
	FileSize   uint64     `json:"file_size"`
	Generation Generation `json:"generation,omitempty"`
	Shard      ShardIndex `json:"shard"`
}

// NewFileMetadata returns metadata for an unsharded layer.
func NewFileMetadata(size uint64, gen Generation) FileMetadata {
	return FileMetadata{FileSize: size, Generation: gen}
}
