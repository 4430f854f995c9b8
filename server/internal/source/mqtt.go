package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sensorwatch/sensorwatch/pkg/types"
)

// Client is the part of mqtt.Client the source uses.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Options configures an MQTT source.
type Options struct {
	Prefix       string        // topic root; default types.DefaultTopicPrefix
	QoS          byte          // default 1
	LookupWait   time.Duration // how long Lookup waits for an unseen sensor; default 500ms
	TokenTimeout time.Duration // per broker round trip; default 5s
}

// MQTT is a pipeline source backed by an MQTT broker.
type MQTT struct {
	client Client
	opts   Options

	mu      sync.Mutex
	handler func(types.Status)
	catalog map[string]types.Sensor
	changed chan struct{} // closed and replaced whenever the catalog grows
	started bool
}

// NewMQTT wraps a connected client.
func NewMQTT(client Client, opts Options) *MQTT {
	if opts.Prefix == "" {
		opts.Prefix = types.DefaultTopicPrefix
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.LookupWait <= 0 {
		opts.LookupWait = 500 * time.Millisecond
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 5 * time.Second
	}
	return &MQTT{
		client:  client,
		opts:    opts,
		catalog: make(map[string]types.Sensor),
		changed: make(chan struct{}),
	}
}

func (m *MQTT) metaTopic() string   { return types.MetaTopic(m.opts.Prefix, "+") }
func (m *MQTT) statusTopic() string { return types.StatusTopic(m.opts.Prefix, "+") }

// OnStatus registers the status receiver; nil detaches it.
func (m *MQTT) OnStatus(fn func(types.Status)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

// Start subscribes to the catalog and status topics and asks the agent to
// begin emitting.
func (m *MQTT) Start(_ context.Context, rate types.Rate, continuous bool) error {
	if err := m.subscribe(); err != nil {
		return err
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	if err := m.control(types.ControlMessage{Command: types.CommandStart, Rate: rate, Continuous: continuous}); err != nil {
		return err
	}
	slog.Info("source: mqtt started", "prefix", m.opts.Prefix, "rate", rate, "continuous", continuous)
	return nil
}

// Stop tells the agent to halt and drops the status subscription. The
// catalog subscription is kept so lookups for already accepted statuses still
// resolve.
func (m *MQTT) Stop(context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()
	if !started {
		return nil
	}

	err := m.control(types.ControlMessage{Command: types.CommandStop})
	if uerr := m.wait(m.client.Unsubscribe(m.statusTopic())); uerr != nil && err == nil {
		err = fmt.Errorf("source: unsubscribe %s: %w", m.statusTopic(), uerr)
	}
	return err
}

// Resubscribe restores both subscriptions after the broker dropped the
// session. Before Start, and after Stop, it does nothing.
func (m *MQTT) Resubscribe() error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil
	}
	if err := m.subscribe(); err != nil {
		return err
	}
	slog.Info("source: mqtt resubscribed", "prefix", m.opts.Prefix)
	return nil
}

func (m *MQTT) subscribe() error {
	if err := m.wait(m.client.Subscribe(m.metaTopic(), m.opts.QoS, m.onMeta)); err != nil {
		return fmt.Errorf("source: subscribe %s: %w", m.metaTopic(), err)
	}
	if err := m.wait(m.client.Subscribe(m.statusTopic(), m.opts.QoS, m.onStatus)); err != nil {
		return fmt.Errorf("source: subscribe %s: %w", m.statusTopic(), err)
	}
	return nil
}

// Lookup returns the catalog entry for id, waiting up to LookupWait for a
// catalog message that has not arrived yet.
func (m *MQTT) Lookup(ctx context.Context, id string) (types.Sensor, error) {
	deadline := time.NewTimer(m.opts.LookupWait)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		sn, ok := m.catalog[id]
		changed := m.changed
		m.mu.Unlock()
		if ok {
			return sn, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return types.Sensor{}, ctx.Err()
		case <-deadline.C:
			return types.Sensor{}, fmt.Errorf("source: lookup %s: %w", id, types.ErrSensorNotFound)
		}
	}
}

// Sensors returns the catalog learned so far.
func (m *MQTT) Sensors() []types.Sensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Sensor, 0, len(m.catalog))
	for _, sn := range m.catalog {
		out = append(out, sn)
	}
	return out
}

func (m *MQTT) onMeta(_ mqtt.Client, msg mqtt.Message) {
	sn, err := types.DecodeSensor(msg.Payload())
	if err != nil {
		slog.Warn("source: bad catalog message", "topic", msg.Topic(), "err", err)
		return
	}
	m.mu.Lock()
	m.catalog[sn.ID] = sn
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

func (m *MQTT) onStatus(_ mqtt.Client, msg mqtt.Message) {
	st, err := types.DecodeStatus(msg.Payload())
	if err != nil {
		slog.Warn("source: bad status message", "topic", msg.Topic(), "err", err)
		return
	}
	if id, ok := types.SensorIDFromTopic(m.opts.Prefix, msg.Topic()); ok && id != st.SensorID {
		slog.Warn("source: status topic mismatch", "topic", msg.Topic(), "sensor_id", st.SensorID)
		return
	}
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(st)
	}
}

func (m *MQTT) control(cm types.ControlMessage) error {
	b, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("source: encode control: %w", err)
	}
	topic := types.ControlTopic(m.opts.Prefix)
	if err := m.wait(m.client.Publish(topic, m.opts.QoS, false, b)); err != nil {
		return fmt.Errorf("source: publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) wait(tok mqtt.Token) error {
	if !tok.WaitTimeout(m.opts.TokenTimeout) {
		return fmt.Errorf("timed out after %s", m.opts.TokenTimeout)
	}
	return tok.Error()
}
