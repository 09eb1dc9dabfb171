// Package ids defines the tenant and timeline identifiers used in remote
// paths, the layer map and heatmaps.
package ids

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// idLen is the byte length of every id. The text form is twice as long.
const idLen = 16

// TenantID identifies a tenant.
type TenantID [idLen]byte

// TimelineID identifies a timeline within a tenant.
type TimelineID [idLen]byte

// GenerateTenantID returns a random tenant id.
func GenerateTenantID() TenantID { return TenantID(uuid.New()) }

// GenerateTimelineID returns a random timeline id.
func GenerateTimelineID() TimelineID { return TimelineID(uuid.New()) }

// ParseTenantID parses the 32-character hex form of a tenant id.
func ParseTenantID(s string) (TenantID, error) {
	var id TenantID
	if err := decodeHex(id[:], s); err != nil {
		return TenantID{}, fmt.Errorf("ids.ParseTenantID: %w", err)
	}
	return id, nil
}

// ParseTimelineID parses the 32-character hex form of a timeline id.
func ParseTimelineID(s string) (TimelineID, error) {
	var id TimelineID
	if err := decodeHex(id[:], s); err != nil {
		return TimelineID{}, fmt.Errorf("ids.ParseTimelineID: %w", err)
	}
	return id, nil
}

func (id TenantID) String() string { return hex.EncodeToString(id[:]) }
func (id TimelineID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the id is all zero bytes.
func (id TenantID) IsZero() bool { return id == TenantID{} }

// IsZero reports whether the id is all zero bytes.
func (id TimelineID) IsZero() bool { return id == TimelineID{} }

func (id TenantID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id TimelineID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TenantID) UnmarshalText(b []byte) error {
	parsed, err := ParseTenantID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *TimelineID) UnmarshalText(b []byte) error {
	parsed, err := ParseTimelineID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func decodeHex(dst []byte, s string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("invalid id %q: want %d hex characters, got %d", s, 2*len(dst), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	return nil
}
