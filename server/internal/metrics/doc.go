// Package metrics defines the Prometheus instruments of the server. A nil
// *Metrics is valid and records nothing, so components can be built without
// a registry in tests.
package metrics
