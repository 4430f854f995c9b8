// Package resolver turns a sensor ID into its metadata by calling the sensor
// source. Lookups are bounded by a timeout and guarded by a circuit breaker so
// a stalled source cannot pin every pipeline worker.
package resolver
