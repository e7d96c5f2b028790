package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-insteon/internal/aldb"
)

// Measurement names.
const (
	MeasurementLoad  = "aldb_load"
	MeasurementWrite = "aldb_write"
	MeasurementLinks = "aldb_links"
)

// WriteLoadMetric records the outcome of one link-database load.
//
// Tags: device, status. Fields: read, accepted, changed, duration_ms.
// It satisfies fleet.MetricsWriter.
func (c *Client) WriteLoadMetric(device string, result aldb.LoadResult, elapsed time.Duration) {
	c.writePoint(loadPoint(device, result, elapsed, time.Now()))
}

func loadPoint(device string, result aldb.LoadResult, elapsed time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementLoad,
		map[string]string{
			"device": device,
			"status": result.Status.String(),
		},
		map[string]any{
			"read":        result.Read,
			"accepted":    result.Accepted,
			"changed":     result.Changed,
			"duration_ms": elapsed.Milliseconds(),
		},
		ts,
	)
}

// WriteFlushMetric records a pending-queue flush: how many records were
// written and whether the flush stopped on a failure.
func (c *Client) WriteFlushMetric(device string, written int, failed bool) {
	c.writePoint(write.NewPoint(
		MeasurementWrite,
		map[string]string{"device": device},
		map[string]any{
			"written": written,
			"failed":  failed,
		},
		time.Now(),
	))
}

// WriteLinkCount records the size of the fleet topology.
func (c *Client) WriteLinkCount(links, devices int) {
	c.writePoint(write.NewPoint(
		MeasurementLinks,
		nil,
		map[string]any{
			"links":   links,
			"devices": devices,
		},
		time.Now(),
	))
}

// WritePoint writes a custom point stamped now.
//
// Example:
//
//	client.WritePoint("modem_stats",
//	    map[string]string{"modem": "44.85.11"},
//	    map[string]any{"naks": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}
