// Package influxdb writes entity telemetry to InfluxDB v2.
//
// Writes are non-blocking and batched by the upstream client. Failures are
// reported asynchronously through the callback set with SetOnError.
//
// Configuration (config.yaml):
//
//	influxdb:
//	  enabled: true
//	  url: "http://localhost:8086"
//	  org: "ish"
//	  bucket: "telemetry"
//	  batch_size: 100
//	  flush_interval: 10   # seconds
//
// Connect returns ErrDisabled when the section is not enabled so callers
// can treat telemetry as optional.
package influxdb
