package influxdb

import (
	"sort"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementEntityState holds one point per entity mutation.
const MeasurementEntityState = "entity_state"

// Tag and field keys of an entity_state point.
const (
	tagEntityID = "entity_id"
	tagDomain   = "domain"
	fieldState  = "state"
)

// WriteEntityState records an entity's state at ts.
//
// The write is non-blocking; the point is batched and sent asynchronously.
//
// Parameters:
//   - entityID: full entity id, e.g. "sensor.kitchen_temp"; empty ids are dropped
//   - domain: the part of entityID before the dot, stored as a tag
//   - state: the raw state string, stored as the "state" field
//   - numeric: numeric readings stored as float fields; a "state" key is ignored
//   - ts: the entity's last_updated; the zero time means now
//
// Example:
//
//	client.WriteEntityState("sensor.kitchen_temp", "sensor", "21.5",
//	    map[string]float64{"value": 21.5}, time.Now())
func (c *Client) WriteEntityState(entityID, domain, state string, numeric map[string]float64, ts time.Time) {
	if entityID == "" || !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(entityStatePoint(entityID, domain, state, numeric, ts))
}

// entityStatePoint builds the entity_state point for one mutation. Numeric
// fields are added in key order so the line protocol is stable.
func entityStatePoint(entityID, domain, state string, numeric map[string]float64, ts time.Time) *write.Point {
	if ts.IsZero() {
		ts = time.Now()
	}

	p := write.NewPointWithMeasurement(MeasurementEntityState).
		AddTag(tagEntityID, entityID).
		AddTag(tagDomain, domain).
		AddField(fieldState, state).
		SetTime(ts)

	keys := make([]string, 0, len(numeric))
	for k := range numeric {
		if k != fieldState {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.AddField(k, numeric[k])
	}
	return p
}

// WritePoint writes an arbitrary point stamped with the current time.
//
// Parameters:
//   - measurement: InfluxDB measurement name
//   - tags: indexed metadata; may be nil
//   - fields: at least one field is required by the server
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
