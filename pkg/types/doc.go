// Package types defines shared Go types used by both the agent and server.
// These are the canonical in-memory representations of sensors, statuses and
// change events, plus the JSON envelopes exchanged over MQTT.
package types
