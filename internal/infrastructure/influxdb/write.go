package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// lifecycleMeasurement is the measurement lifecycle events are written to.
const lifecycleMeasurement = "device_lifecycle"

// WriteLifecycleEvent queues one point for a lifecycle event. Tenant and
// kind are tags; the device id is a field to keep series cardinality per
// tenant bounded. Events after Close are dropped.
func (c *Client) WriteLifecycleEvent(tenantID, deviceID, kind string, at time.Time) {
	if c.points == nil || c.closed.Load() {
		return
	}
	c.points.WritePoint(write.NewPoint(
		lifecycleMeasurement,
		map[string]string{"tenant": tenantID, "kind": kind},
		map[string]any{"device_id": deviceID, "count": int64(1)},
		at.UTC(),
	))
}
