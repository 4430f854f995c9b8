// Package shipper publishes simulator output to the MQTT broker.
//
// Shipper.Ship() is non-blocking: statuses are placed in an in-memory channel
// (default capacity 1000). When the buffer is full the oldest entry is
// evicted so the latest sensor state is always preserved.
//
// Shipper.Run() drains the buffer in order. Each publish is retried with
// truncated exponential backoff (1s→60s, ±25% jitter) until it succeeds or
// the context ends; a status that cannot be encoded is discarded.
//
// PublishCatalog() sends one retained <prefix>/<id>/meta message per sensor
// so the server can resolve sensor IDs, including after it restarts.
//
// The newBackoff field is injectable for tests.
package shipper
