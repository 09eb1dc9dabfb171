// Package heatmap defines the heatmap an attached tenant location publishes
// so that secondary locations can decide which layer files to mirror.
//
// A heatmap is a value: the uploader builds a fresh one from its layer map on
// every cycle, and the downloader decodes one and reads it. Nothing here does
// I/O or holds shared state.
package heatmap

import (
	"iter"
	"math"
	"slices"
	"time"

	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
)

// Epoch is the access time every layer carries after StripAccessTimes.
var Epoch = time.Unix(0, 0).UTC()

// Layer describes one layer file resident on the attached location.
type Layer struct {
	Name     layer.Name
	Metadata layer.FileMetadata
	// AccessTime has seconds resolution and is always UTC.
	AccessTime time.Time
	// Cold layers are listed for completeness but are not worth mirroring.
	Cold bool
}

// NewLayer builds a Layer, truncating accessTime to whole seconds.
func NewLayer(name layer.Name, metadata layer.FileMetadata, accessTime time.Time, cold bool) Layer {
	return Layer{
		Name:       name,
		Metadata:   metadata,
		AccessTime: secondsUTC(accessTime),
		Cold:       cold,
	}
}

// IsHot reports whether the layer should be mirrored by secondaries.
func (l *Layer) IsHot() bool { return !l.Cold }

func secondsUTC(t time.Time) time.Time { return time.Unix(t.Unix(), 0).UTC() }

// Timeline is the heatmap of one timeline. Layer order carries no meaning
// beyond stable encoding.
type Timeline struct {
	TimelineID ids.TimelineID
	layers     []Layer
}

// NewTimeline builds a Timeline over layers as given.
func NewTimeline(id ids.TimelineID, layers []Layer) Timeline {
	if len(layers) == 0 {
		layers = nil
	}
	return Timeline{TimelineID: id, layers: layers}
}

// NumLayers returns the number of layers, hot and cold.
func (t *Timeline) NumLayers() int { return len(t.layers) }

// AllLayers yields every layer in storage order.
func (t *Timeline) AllLayers() iter.Seq[*Layer] {
	return func(yield func(*Layer) bool) {
		for i := range t.layers {
			if !yield(&t.layers[i]) {
				return
			}
		}
	}
}

// HotLayers yields the layers that are not cold, in storage order.
func (t *Timeline) HotLayers() iter.Seq[*Layer] {
	return func(yield func(*Layer) bool) {
		for l := range t.AllLayers() {
			if l.IsHot() && !yield(l) {
				return
			}
		}
	}
}

// IntoHotLayers yields copies of the same layers as HotLayers, for callers
// that hand layers onward and no longer need the timeline.
func (t Timeline) IntoHotLayers() iter.Seq[Layer] {
	return func(yield func(Layer) bool) {
		for l := range t.HotLayers() {
			if !yield(*l) {
				return
			}
		}
	}
}

// Tenant is the heatmap of a whole tenant, the unit that is uploaded.
type Tenant struct {
	// Generation of the attached location that uploaded the heatmap. It is
	// advisory: secondaries use it to notice two attached locations
	// uploading conflicting heatmaps, nothing more.
	Generation layer.Generation

	Timelines []Timeline

	// UploadPeriodMS is how often the uploader intends to republish. Nil
	// means no periodic upload is configured, which is distinct from zero.
	UploadPeriodMS *uint64
}

// NewTenant builds a Tenant. A non-positive uploadPeriod leaves the upload
// period absent.
func NewTenant(gen layer.Generation, timelines []Timeline, uploadPeriod time.Duration) Tenant {
	if len(timelines) == 0 {
		timelines = nil
	}
	h := Tenant{Generation: gen, Timelines: timelines}
	if uploadPeriod > 0 {
		ms := uint64(uploadPeriod.Milliseconds())
		h.UploadPeriodMS = &ms
	}
	return h
}

// maxPeriodMS is the longest period, in milliseconds, a time.Duration holds.
const maxPeriodMS = uint64(math.MaxInt64 / int64(time.Millisecond))

// UploadPeriod returns the advertised upload period, if any. Periods too long
// for a time.Duration saturate at math.MaxInt64.
func (h *Tenant) UploadPeriod() (time.Duration, bool) {
	if h.UploadPeriodMS == nil {
		return 0, false
	}
	if ms := *h.UploadPeriodMS; ms <= maxPeriodMS {
		return time.Duration(ms) * time.Millisecond, true
	}
	return time.Duration(math.MaxInt64), true
}

// IntoTimelinesIndex indexes timelines by id. If an id appears more than
// once the last timeline with that id wins.
func (h Tenant) IntoTimelinesIndex() map[ids.TimelineID]Timeline {
	index := make(map[ids.TimelineID]Timeline, len(h.Timelines))
	for _, tl := range h.Timelines {
		index[tl.TimelineID] = tl
	}
	return index
}

// Stats summarizes the hot layers of a heatmap.
type Stats struct {
	Bytes  uint64
	Layers int
}

// Stats counts hot layers and their total size. Cold layers are excluded.
func (h *Tenant) Stats() Stats {
	var stats Stats
	for i := range h.Timelines {
		for l := range h.Timelines[i].HotLayers() {
			stats.Layers++
			stats.Bytes += l.Metadata.FileSize
		}
	}
	return stats
}

// StripAccessTimes returns a copy of h with every layer's access time set to
// Epoch, so that heatmaps captured at different moments compare equal when
// their content is the same. h itself is left untouched.
func (h Tenant) StripAccessTimes() Tenant {
	out := Tenant{Generation: h.Generation}
	if h.UploadPeriodMS != nil {
		ms := *h.UploadPeriodMS
		out.UploadPeriodMS = &ms
	}
	if h.Timelines != nil {
		out.Timelines = make([]Timeline, len(h.Timelines))
	}
	for i, tl := range h.Timelines {
		layers := slices.Clone(tl.layers)
		for j := range layers {
			layers[j].AccessTime = Epoch
		}
		out.Timelines[i] = Timeline{TimelineID: tl.TimelineID, layers: layers}
	}
	return out
}
