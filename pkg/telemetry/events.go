package telemetry

import (
	"time"

	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
)

// AccessEvent records a single read of a layer file.
type AccessEvent struct {
	Timestamp time.Time      `json:"ts"`
	Tenant    ids.TenantID   `json:"tenant"`
	Timeline  ids.TimelineID `json:"timeline"`
	Layer     layer.Name     `json:"layer"`
	BytesRead int64          `json:"bytes_read,omitempty"`
}
