package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultTopicPrefix is the MQTT topic root shared by agent and server.
const DefaultTopicPrefix = "sensors"

// Control commands carried by ControlMessage.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// SensorMessage is the retained catalog entry published on
// <prefix>/<sensor_id>/meta.
type SensorMessage struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type SensorType `json:"type"`
}

// StatusMessage is published on <prefix>/<sensor_id>/status.
type StatusMessage struct {
	ID        string     `json:"id"`
	SensorID  string     `json:"sensor_id"`
	Type      StatusType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}

// ControlMessage is published by the server on <prefix>/control.
type ControlMessage struct {
	Command    string `json:"command"`
	Rate       Rate   `json:"rate,omitempty"`
	Continuous bool   `json:"continuous,omitempty"`
}

// StatusTopic returns the status topic for sensorID.
func StatusTopic(prefix, sensorID string) string {
	return prefix + "/" + sensorID + "/status"
}

// MetaTopic returns the retained catalog topic for sensorID.
func MetaTopic(prefix, sensorID string) string {
	return prefix + "/" + sensorID + "/meta"
}

// ControlTopic returns the command topic.
func ControlTopic(prefix string) string {
	return prefix + "/control"
}

// SensorIDFromTopic extracts the sensor ID from a status or meta topic.
func SensorIDFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// EncodeStatus marshals s into its wire form.
func EncodeStatus(s Status) ([]byte, error) {
	return json.Marshal(StatusMessage{
		ID:        s.ID,
		SensorID:  s.SensorID,
		Type:      s.Type,
		Timestamp: s.Timestamp,
	})
}

// DecodeStatus parses a StatusMessage and recomputes the derived alarm flag.
func DecodeStatus(payload []byte) (Status, error) {
	var m StatusMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	if m.ID == "" || m.SensorID == "" {
		return Status{}, fmt.Errorf("decode status: id and sensor_id are required")
	}
	return Status{
		ID:        m.ID,
		SensorID:  m.SensorID,
		Type:      m.Type,
		IsAlarm:   m.Type.IsAlarm(),
		Timestamp: m.Timestamp,
	}, nil
}

// EncodeSensor marshals s into its catalog wire form.
func EncodeSensor(s Sensor) ([]byte, error) {
	return json.Marshal(SensorMessage{ID: s.ID, Name: s.Name, Type: s.Type})
}

// DecodeSensor parses a SensorMessage.
func DecodeSensor(payload []byte) (Sensor, error) {
	var m SensorMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return Sensor{}, fmt.Errorf("decode sensor: %w", err)
	}
	if m.ID == "" || m.Name == "" {
		return Sensor{}, fmt.Errorf("decode sensor: id and name are required")
	}
	return Sensor{ID: m.ID, Name: m.Name, Type: m.Type}, nil
}
