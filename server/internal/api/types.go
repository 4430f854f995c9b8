package api

import "github.com/sensorwatch/sensorwatch/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State           string `json:"state"`
	Running         bool   `json:"running"`
	EntryCount      int    `json:"entry_count"`
	AlarmCount      int    `json:"alarm_count"`
	AlertCount      int    `json:"alert_count"`
	SubscriberCount int    `json:"subscriber_count"`
}

// EntryResponse is one cache entry in GET /api/v1/statuses or
// GET /api/v1/statuses/{key}.
type EntryResponse struct {
	Key       string         `json:"key"`
	Sensor    SensorResponse `json:"sensor"`
	Status    StatusResponse `json:"status"`
	ExpiresAt string         `json:"expires_at"` // RFC3339
}

// SensorResponse is the metadata of one sensor.
type SensorResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// StatusResponse is one sensor status.
type StatusResponse struct {
	ID        string `json:"id"`
	SensorID  string `json:"sensor_id"`
	Type      string `json:"type"`
	IsAlarm   bool   `json:"is_alarm"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// ChangeResponse is one change event as streamed to WebSocket clients.
type ChangeResponse struct {
	Op     types.OperationType `json:"op"`
	Key    string              `json:"key"`
	Status StatusResponse      `json:"status"`
	Sensor *SensorResponse     `json:"sensor,omitempty"`
}

// DeleteResponse is the payload for DELETE /api/v1/sensors/{id}.
type DeleteResponse struct {
	Removed bool `json:"removed"`
}

// StatsResponse is the payload for GET /api/v1/stats.
type StatsResponse struct {
	EventsReceived    float64            `json:"events_received"`
	EventsDropped     map[string]float64 `json:"events_dropped"`
	Changes           map[string]float64 `json:"changes"`
	CacheEntries      float64            `json:"cache_entries"`
	Subscribers       float64            `json:"subscribers"`
	SubscriberDropped float64            `json:"subscriber_dropped"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
