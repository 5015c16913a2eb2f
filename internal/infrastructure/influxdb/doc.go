// Package influxdb is the relay's optional device telemetry sink.
//
// It wraps the official influxdb-client-go v2 library. When enabled, the
// reconciler writes the numeric and boolean fields of every device status
// report, and each liveness transition, as points tagged by serial.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off; run without a sink
//	}
//	defer client.Close()
//
//	client.WriteDeviceStatus("SN-0001", parsed, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Writes never block or fail the caller. Batch failures are delivered
// asynchronously to the SetOnError callback wrapped in ErrWriteFailed.
// Connection and health check errors are returned directly.
package influxdb
