// Package influxdb records device lifecycle history in InfluxDB.
//
// The client implements device.HistoryWriter: the notifier hands it every
// lifecycle event it publishes, and each becomes one point in the
// device_lifecycle measurement, batched by influxdb-client-go's
// non-blocking write API.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without history
//	} else if err != nil {
//	    return err
//	}
//	defer client.Close() // flushes buffered points
//
//	notifier.SetHistory(client)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// History is best effort. Write errors are delivered asynchronously via
// SetOnError and never reach the lifecycle operation that caused them.
// Connection and health check errors are returned directly.
package influxdb
