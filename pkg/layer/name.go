// Package layer describes layer files: their names, their stored metadata
// and the generation they were written under.
package layer

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// KeyLen is the byte length of a page key.
const KeyLen = 18

// Key is a page key. Its text form is 36 uppercase hex characters.
type Key [KeyLen]byte

func (k Key) String() string { return strings.ToUpper(hex.EncodeToString(k[:])) }

// ParseKey parses the 36-character hex form of a key.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != 2*KeyLen {
		return Key{}, fmt.Errorf("layer.ParseKey: invalid key %q: want %d hex characters", s, 2*KeyLen)
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, fmt.Errorf("layer.ParseKey: invalid key %q: %w", s, err)
	}
	return k, nil
}

// LSN is a log sequence number.
type LSN uint64

func (l LSN) String() string { return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xffffffff) }

// Kind distinguishes image layers from delta layers.
type Kind int

const (
	KindImage Kind = iota
	KindDelta
)

func (k Kind) String() string {
	if k == KindDelta {
		return "delta"
	}
	return "image"
}

// Name identifies a layer file within a timeline.
//
// Image layers cover a key range at a single LSN and are named
// "<start>-<end>__<lsn>". Delta layers cover a key range over an LSN range
// and are named "<start>-<end>__<lsn_start>-<lsn_end>".
type Name struct {
	kind     Kind
	keyStart Key
	keyEnd   Key
	lsnStart LSN
	lsnEnd   LSN
}

// NewImageName returns the name of an image layer.
func NewImageName(start, end Key, lsn LSN) Name {
	return Name{kind: KindImage, keyStart: start, keyEnd: end, lsnStart: lsn}
}

// NewDeltaName returns the name of a delta layer.
func NewDeltaName(start, end Key, lsnStart, lsnEnd LSN) Name {
	return Name{kind: KindDelta, keyStart: start, keyEnd: end, lsnStart: lsnStart, lsnEnd: lsnEnd}
}

// ParseName parses a layer file name.
func ParseName(s string) (Name, error) {
	keys, lsns, ok := strings.Cut(s, "__")
	if !ok {
		return Name{}, fmt.Errorf("layer.ParseName: %q: missing \"__\" separator", s)
	}
	startStr, endStr, ok := strings.Cut(keys, "-")
	if !ok {
		return Name{}, fmt.Errorf("layer.ParseName: %q: invalid key range", s)
	}
	start, err := ParseKey(startStr)
	if err != nil {
		return Name{}, fmt.Errorf("layer.ParseName: %q: %w", s, err)
	}
	end, err := ParseKey(endStr)
	if err != nil {
		return Name{}, fmt.Errorf("layer.ParseName: %q: %w", s, err)
	}

	if lsnStartStr, lsnEndStr, isDelta := strings.Cut(lsns, "-"); isDelta {
		lsnStart, err := parseLSN(lsnStartStr)
		if err != nil {
			return Name{}, fmt.Errorf("layer.ParseName: %q: %w", s, err)
		}
		lsnEnd, err := parseLSN(lsnEndStr)
		if err != nil {
			return Name{}, fmt.Errorf("layer.ParseName: %q: %w", s, err)
		}
		return NewDeltaName(start, end, lsnStart, lsnEnd), nil
	}

	lsn, err := parseLSN(lsns)
	if err != nil {
		return Name{}, fmt.Errorf("layer.ParseName: %q: %w", s, err)
	}
	return NewImageName(start, end, lsn), nil
}

func parseLSN(s string) (LSN, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid lsn %q: want 16 hex characters", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return LSN(v), nil
}

func (n Name) Kind() Kind { return n.kind }
func (n Name) IsDelta() bool { return n.kind == KindDelta }
func (n Name) KeyStart() Key { return n.keyStart }
func (n Name) KeyEnd() Key { return n.keyEnd }
func (n Name) LSNStart() LSN { return n.lsnStart }

// LSNEnd is exclusive. An image layer covers exactly its own LSN.
func (n Name) LSNEnd() LSN {
	if n.kind == KindImage {
		return n.lsnStart + 1
	}
	return n.lsnEnd
}

// IsZero reports whether n is the zero Name.
func (n Name) IsZero() bool { return n == Name{} }

func (n Name) String() string {
	if n.kind == KindDelta {
		return fmt.Sprintf("%s-%s__%016X-%016X", n.keyStart, n.keyEnd, uint64(n.lsnStart), uint64(n.lsnEnd))
	}
	return fmt.Sprintf("%s-%s__%016X", n.keyStart, n.keyEnd, uint64(n.lsnStart))
}

// RemoteName is the object name of the layer when written under gen.
func (n Name) RemoteName(gen Generation) string { return n.String() + gen.Suffix() }

func (n Name) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Name) UnmarshalText(b []byte) error {
	parsed, err := ParseName(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
