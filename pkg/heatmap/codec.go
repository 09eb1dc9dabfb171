package heatmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
)

// ErrMissingField is wrapped by decode errors for absent required fields.
var ErrMissingField = errors.New("missing required field")

// Encode serializes a heatmap for upload.
func Encode(h *Tenant) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("heatmap.Encode: %w", err)
	}
	return data, nil
}

// Decode parses an uploaded heatmap. Fields added after the first version
// (cold, upload_period_ms) decode to their defaults when absent.
func Decode(data []byte) (*Tenant, error) {
	var h Tenant
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("heatmap.Decode: %w", err)
	}
	return &h, nil
}

func missing(object, field string) error {
	return fmt.Errorf("heatmap: %s: %w %q", object, ErrMissingField, field)
}

type layerJSON struct {
	Name       *layer.Name         `json:"name"`
	Metadata   *layer.FileMetadata `json:"metadata"`
	AccessTime *int64              `json:"access_time"`
	Cold       bool                `json:"cold"`
}

func (l Layer) MarshalJSON() ([]byte, error) {
	at := l.AccessTime.Unix()
	return json.Marshal(layerJSON{
		Name:       &l.Name,
		Metadata:   &l.Metadata,
		AccessTime: &at,
		Cold:       l.Cold,
	})
}

func (l *Layer) UnmarshalJSON(data []byte) error {
	var raw layerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("heatmap: layer: %w", err)
	}
	switch {
	case raw.Name == nil:
		return missing("layer", "name")
	case raw.Metadata == nil:
		return missing("layer", "metadata")
	case raw.AccessTime == nil:
		return missing("layer", "access_time")
	}
	*l = Layer{
		Name:       *raw.Name,
		Metadata:   *raw.Metadata,
		AccessTime: time.Unix(*raw.AccessTime, 0).UTC(),
		Cold:       raw.Cold,
	}
	return nil
}

type timelineJSON struct {
	TimelineID *ids.TimelineID `json:"timeline_id"`
	Layers     *[]Layer        `json:"layers"`
}

func (t Timeline) MarshalJSON() ([]byte, error) {
	layers := t.layers
	if layers == nil {
		layers = []Layer{}
	}
	return json.Marshal(timelineJSON{TimelineID: &t.TimelineID, Layers: &layers})
}

func (t *Timeline) UnmarshalJSON(data []byte) error {
	var raw timelineJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("heatmap: timeline: %w", err)
	}
	if raw.TimelineID == nil {
		return missing("timeline", "timeline_id")
	}
	if raw.Layers == nil {
		return missing("timeline "+raw.TimelineID.String(), "layers")
	}
	*t = NewTimeline(*raw.TimelineID, *raw.Layers)
	return nil
}

type tenantJSON struct {
	Generation     *layer.Generation `json:"generation"`
	Timelines      *[]Timeline       `json:"timelines"`
	UploadPeriodMS *uint64           `json:"upload_period_ms,omitempty"`
}

func (h Tenant) MarshalJSON() ([]byte, error) {
	timelines := h.Timelines
	if timelines == nil {
		timelines = []Timeline{}
	}
	return json.Marshal(tenantJSON{
		Generation:     &h.Generation,
		Timelines:      &timelines,
		UploadPeriodMS: h.UploadPeriodMS,
	})
}

// tenantWire is tenantJSON as read: upload_period_ms may be any 128-bit
// unsigned integer.
type tenantWire struct {
	Generation     *layer.Generation `json:"generation"`
	Timelines      *[]Timeline       `json:"timelines"`
	UploadPeriodMS json.RawMessage   `json:"upload_period_ms"`
}

// maxUploadPeriodMS is the largest upload_period_ms accepted on the wire.
var maxUploadPeriodMS = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// decodeUploadPeriod parses upload_period_ms. Values that do not fit a
// uint64 saturate at math.MaxUint64; no real period comes near either bound.
func decodeUploadPeriod(raw json.RawMessage) (*uint64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(string(raw), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("heatmap: tenant: upload_period_ms: %s is not an unsigned integer", raw)
	}
	if n.Cmp(maxUploadPeriodMS) > 0 {
		return nil, fmt.Errorf("heatmap: tenant: upload_period_ms: %s exceeds 128 bits", raw)
	}
	v := uint64(math.MaxUint64)
	if n.IsUint64() {
		v = n.Uint64()
	}
	return &v, nil
}

func (h *Tenant) UnmarshalJSON(data []byte) error {
	var raw tenantWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("heatmap: tenant: %w", err)
	}
	if raw.Generation == nil {
		return missing("tenant", "generation")
	}
	if raw.Timelines == nil {
		return missing("tenant", "timelines")
	}
	period, err := decodeUploadPeriod(raw.UploadPeriodMS)
	if err != nil {
		return err
	}
	timelines := *raw.Timelines
	if len(timelines) == 0 {
		timelines = nil
	}
	*h = Tenant{
		Generation:     *raw.Generation,
		Timelines:      timelines,
		UploadPeriodMS: period,
	}
	return nil
}
