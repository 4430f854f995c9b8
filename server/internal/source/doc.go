// Package source adapts a remote sensor agent reachable over MQTT to the
// pipeline's sensor source contract. Sensor metadata arrives as retained
// catalog messages; statuses arrive on per-sensor topics; start and stop are
// forwarded to the agent as control messages.
package source
