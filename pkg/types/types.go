package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrSensorNotFound is returned by a sensor lookup for an unknown identifier.
var ErrSensorNotFound = errors.New("sensor not found")

// SensorType classifies the physical sensor.
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorHumidity    SensorType = "humidity"
	SensorPressure    SensorType = "pressure"
	SensorMotion      SensorType = "motion"
	SensorDoor        SensorType = "door"
	SensorSmoke       SensorType = "smoke"
)

// SensorTypes lists every known SensorType.
var SensorTypes = []SensorType{
	SensorTemperature, SensorHumidity, SensorPressure, SensorMotion, SensorDoor, SensorSmoke,
}

// Sensor is the immutable metadata of one physical sensor.
type Sensor struct {
	ID   string     `json:"id"`
	Name string     `json:"name"` // display name, the cache key
	Type SensorType `json:"type"`
}

// StatusType is the state reported by a sensor.
type StatusType string

const (
	StatusConnected    StatusType = "connected"
	StatusDisconnected StatusType = "disconnected"
	StatusAlarm        StatusType = "alarm"
	StatusOn           StatusType = "on"
	StatusOff          StatusType = "off"
	StatusDefault      StatusType = "default"
)

// StatusTypes lists every known StatusType.
var StatusTypes = []StatusType{
	StatusConnected, StatusDisconnected, StatusAlarm, StatusOn, StatusOff, StatusDefault,
}

// IsAlarm reports whether st should raise an alarm. Unknown values are
// treated as alarms.
func (st StatusType) IsAlarm() bool {
	switch st {
	case StatusConnected, StatusOn, StatusOff, StatusDefault:
		return false
	default:
		return true
	}
}

// Status is one event emitted by a sensor. A later Status for the same
// sensor supersedes it; a Status is never mutated.
type Status struct {
	ID        string     `json:"id"`
	SensorID  string     `json:"sensor_id"`
	Type      StatusType `json:"type"`
	IsAlarm   bool       `json:"is_alarm"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewStatus builds a Status with a fresh identifier and the derived alarm flag.
func NewStatus(sensorID string, st StatusType, ts time.Time) Status {
	return Status{
		ID:        uuid.NewString(),
		SensorID:  sensorID,
		Type:      st,
		IsAlarm:   st.IsAlarm(),
		Timestamp: ts,
	}
}

// OperationType classifies a cache mutation.
type OperationType string

const (
	OpAdd    OperationType = "add"
	OpUpdate OperationType = "update"
	OpRemove OperationType = "remove"
)

// ChangeEvent is published once per cache transition. Sensor is nil for
// OpRemove; Key still names the entry that left.
type ChangeEvent struct {
	Op     OperationType `json:"op"`
	Key    string        `json:"key"`
	Status Status        `json:"status"`
	Sensor *Sensor       `json:"sensor,omitempty"`
}

// Rate is the emission-rate tier of a sensor source.
type Rate string

const (
	RateEasy     Rate = "easy"
	RateMedium   Rate = "medium"
	RateHardcore Rate = "hardcore"
)

// MaxDelay is the upper bound of the random pause between two emissions.
func (r Rate) MaxDelay() time.Duration {
	switch r {
	case RateMedium:
		return 1000 * time.Millisecond
	case RateHardcore:
		return 250 * time.Millisecond
	default:
		return 2000 * time.Millisecond
	}
}

// ParseRate converts a config string into a Rate. The empty string maps to
// RateEasy.
func ParseRate(s string) (Rate, error) {
	switch Rate(strings.ToLower(strings.TrimSpace(s))) {
	case "", RateEasy:
		return RateEasy, nil
	case RateMedium:
		return RateMedium, nil
	case RateHardcore:
		return RateHardcore, nil
	}
	return "", fmt.Errorf("unknown rate %q: want easy|medium|hardcore", s)
}
