// Package api implements the HTTP REST API for sensorwatch-server.
//
// New(deps) returns an http.Handler that serves:
//
//	GET    /api/v1/health          entry, alarm and subscriber counts
//	GET    /api/v1/statuses        live entries ordered by sensor number
//	GET    /api/v1/statuses/{key}  one entry by sensor name; 404 if absent
//	DELETE /api/v1/sensors/{id}    delete the status of a sensor; {"removed":bool}
//	GET    /api/v1/stats           pipeline counters read from the metrics registry
//	GET    /api/v1/alerts          firing alerts and those resolved in the last hour
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for methods other than the one listed
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
