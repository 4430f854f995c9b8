package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sensorwatch/sensorwatch/agent/internal/config"
	"github.com/sensorwatch/sensorwatch/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	backoffJitter     = 0.25
	qos               = 1
)

// Publisher is the subset of mqtt.Client the shipper needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Shipper buffers statuses and publishes them to the broker.
// Ship() is non-blocking; when the buffer is full the oldest status is evicted.
// Run() must be called in a goroutine to drain the buffer.
type Shipper struct {
	client  Publisher
	prefix  string
	timeout time.Duration
	buf     chan types.Status
	evicted atomic.Uint64

	newBackoff func() backoff.BackOff // injectable for tests
}

// New creates a Shipper publishing through client using the given agent config.
func New(client Publisher, cfg config.AgentConfig) *Shipper {
	size := cfg.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	timeout := cfg.MQTT.PublishTimeout
	if timeout <= 0 {
		timeout = config.DefaultPublishTimeout
	}
	prefix := cfg.MQTT.TopicPrefix
	if prefix == "" {
		prefix = types.DefaultTopicPrefix
	}
	return &Shipper{
		client:     client,
		prefix:     prefix,
		timeout:    timeout,
		buf:        make(chan types.Status, size),
		newBackoff: defaultBackoff,
	}
}

// Ship enqueues st. If the buffer is full the oldest entry is evicted to make
// room.
func (s *Shipper) Ship(st types.Status) {
	for {
		select {
		case s.buf <- st:
			return
		default:
		}
		select {
		case old := <-s.buf:
			s.evicted.Add(1)
			slog.Warn("shipper: buffer full, evicted oldest status",
				"sensor_id", old.SensorID, "buffer_cap", cap(s.buf))
		default:
		}
	}
}

// Evicted returns how many statuses were dropped because the buffer was full.
func (s *Shipper) Evicted() uint64 { return s.evicted.Load() }

// Pending returns the number of buffered statuses.
func (s *Shipper) Pending() int { return len(s.buf) }

// Run drains the buffer, publishing statuses in order. It blocks until ctx is
// cancelled.
func (s *Shipper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-s.buf:
			msg, err := statusMessage(s.prefix, st)
			if err != nil {
				slog.Error("shipper: discarding status", "sensor_id", st.SensorID, "err", err)
				continue
			}
			if err := s.send(ctx, msg); err != nil {
				if ctx.Err() == nil {
					slog.Error("shipper: status lost", "sensor_id", st.SensorID, "err", err)
				}
				continue
			}
			slog.Debug("shipper: status delivered", "sensor_id", st.SensorID, "type", st.Type)
		}
	}
}

// PublishCatalog publishes the retained catalog entry of every sensor.
func (s *Shipper) PublishCatalog(ctx context.Context, sensors []types.Sensor) error {
	for _, sn := range sensors {
		msg, err := catalogMessage(s.prefix, sn)
		if err != nil {
			return fmt.Errorf("shipper: %w", err)
		}
		if err := s.send(ctx, msg); err != nil {
			return fmt.Errorf("shipper: catalog %s: %w", sn.ID, err)
		}
	}
	slog.Info("shipper: catalog published", "sensors", len(sensors), "prefix", s.prefix)
	return nil
}

// send publishes msg, retrying with backoff until it is acknowledged or ctx
// ends.
func (s *Shipper) send(ctx context.Context, msg message) error {
	op := func() error {
		tok := s.client.Publish(msg.topic, qos, msg.retained, msg.payload)
		if !tok.WaitTimeout(s.timeout) {
			return fmt.Errorf("publish %s: timed out after %s", msg.topic, s.timeout)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", msg.topic, err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("shipper: publish failed, will retry", "topic", msg.topic, "err", err, "retry_in", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(s.newBackoff(), ctx), notify)
	if err != nil && ctx.Err() != nil {
		return errors.Join(err, ctx.Err())
	}
	return err
}

// defaultBackoff retries forever with truncated exponential delays.
func defaultBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = backoffJitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
