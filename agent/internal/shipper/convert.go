package shipper

import (
	"fmt"

	"github.com/sensorwatch/sensorwatch/pkg/types"
)

// message is one MQTT publish.
type message struct {
	topic    string
	retained bool
	payload  []byte
}

// statusMessage converts a status into its publish on <prefix>/<sensor>/status.
func statusMessage(prefix string, st types.Status) (message, error) {
	b, err := types.EncodeStatus(st)
	if err != nil {
		return message{}, fmt.Errorf("encode status %s: %w", st.ID, err)
	}
	return message{topic: types.StatusTopic(prefix, st.SensorID), payload: b}, nil
}

// catalogMessage converts a sensor into its retained catalog entry.
func catalogMessage(prefix string, sn types.Sensor) (message, error) {
	b, err := types.EncodeSensor(sn)
	if err != nil {
		return message{}, fmt.Errorf("encode sensor %s: %w", sn.ID, err)
	}
	return message{topic: types.MetaTopic(prefix, sn.ID), retained: true, payload: b}, nil
}
