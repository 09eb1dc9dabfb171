package secondary

import (
	"cmp"
	"slices"

	"github.com/warpdrive/heatmap/pkg/heatmap"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/layerstore"
)

// Fetch is a layer a secondary location should download.
type Fetch struct {
	Timeline ids.TimelineID
	Layer    heatmap.Layer
}

// Plan is the difference between a heatmap and the layers resident on a
// secondary location.
type Plan struct {
	Fetch []Fetch
	Evict []layerstore.Record
	// Keep counts resident layers that are still hot and unchanged.
	Keep int
	// SkippedBytes are hot bytes left out because of the size budget.
	SkippedBytes uint64
}

type layerRef struct {
	timeline ids.TimelineID
	name     layer.Name
}

// PlanDownloads compares a heatmap against the resident layers. Hot layers
// that are missing, or resident with a different size or generation, are
// fetched, most recently accessed first; a fetch overwrites the stale local
// copy. Resident layers that are cold or absent from the heatmap, or that
// no longer fit the budget, are evicted. With maxBytes > 0 fetches stop once
// resident and fetched hot bytes would exceed it.
func PlanDownloads(h *heatmap.Tenant, resident []layerstore.Record, maxBytes uint64) Plan {
	byRef := make(map[layerRef]layerstore.Record, len(resident))
	for _, r := range resident {
		byRef[layerRef{r.Timeline, r.Name}] = r
	}

	var plan Plan
	wanted := make(map[layerRef]bool)
	var used uint64

	index := h.IntoTimelinesIndex()
	timelineIDs := make([]ids.TimelineID, 0, len(index))
	for id := range index {
		timelineIDs = append(timelineIDs, id)
	}
	slices.SortFunc(timelineIDs, func(a, b ids.TimelineID) int {
		return cmp.Compare(a.String(), b.String())
	})

	var candidates []Fetch
	for _, id := range timelineIDs {
		for l := range index[id].IntoHotLayers() {
			ref := layerRef{id, l.Name}
			if r, ok := byRef[ref]; ok && r.Metadata == l.Metadata {
				wanted[ref] = true
				used += l.Metadata.FileSize
				plan.Keep++
				continue
			}
			candidates = append(candidates, Fetch{Timeline: id, Layer: l})
		}
	}

	slices.SortStableFunc(candidates, func(a, b Fetch) int {
		return b.Layer.AccessTime.Compare(a.Layer.AccessTime)
	})
	for _, f := range candidates {
		size := f.Layer.Metadata.FileSize
		if maxBytes > 0 && used+size > maxBytes {
			plan.SkippedBytes += size
			continue
		}
		used += size
		wanted[layerRef{f.Timeline, f.Layer.Name}] = true
		plan.Fetch = append(plan.Fetch, f)
	}

	for _, r := range resident {
		if !wanted[layerRef{r.Timeline, r.Name}] {
			plan.Evict = append(plan.Evict, r)
		}
	}
	return plan
}
