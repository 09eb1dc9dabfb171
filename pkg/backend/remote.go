package backend

import (
	"path"

	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
)

// HeatmapFileName is the object name of a tenant's heatmap.
const HeatmapFileName = "heatmap-v1.json"

// TenantPath is the remote prefix holding everything of one tenant.
func TenantPath(tenant ids.TenantID) string {
	return path.Join("tenants", tenant.String())
}

// HeatmapPath is the remote object a tenant's heatmap is uploaded to.
func HeatmapPath(tenant ids.TenantID) string {
	return path.Join(TenantPath(tenant), HeatmapFileName)
}

// TimelinesPath is the remote prefix holding a tenant's timelines.
func TimelinesPath(tenant ids.TenantID) string {
	return path.Join(TenantPath(tenant), "timelines")
}

// LayerPath is the remote object of a layer file written under gen.
func LayerPath(tenant ids.TenantID, timeline ids.TimelineID, name layer.Name, gen layer.Generation) string {
	return path.Join(TimelinesPath(tenant), timeline.String(), name.RemoteName(gen))
}
