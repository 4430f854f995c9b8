// Package simulator implements an in-process sensor source. It owns a fixed
// set of sensors, emits one status per sensor on start and then, when running
// continuously, a random sensor's random status after a random delay bounded
// by the configured rate. Metadata lookups carry an artificial random latency.
package simulator
