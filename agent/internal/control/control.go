package control

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

// DefaultStopTimeout bounds how long a command waits for the emitter to halt.
const DefaultStopTimeout = 5 * time.Second

// Emitter is the simulator surface driven by commands.
type Emitter interface {
	Start(ctx context.Context, rate types.Rate, continuous bool) error
	Stop(ctx context.Context) error
}

// Controller serializes commands against one Emitter.
type Controller struct {
	em          Emitter
	stopTimeout time.Duration

	mu      sync.Mutex
	running bool
}

// New creates a Controller for em.
func New(em Emitter) *Controller {
	return &Controller{em: em, stopTimeout: DefaultStopTimeout}
}

// Running reports whether the last applied command started the emitter.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Apply executes cm.
func (c *Controller) Apply(ctx context.Context, cm types.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cm.Command {
	case types.CommandStart:
		rate, err := types.ParseRate(string(cm.Rate))
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if c.running {
			if err := c.stopLocked(ctx); err != nil {
				return err
			}
		}
		if err := c.em.Start(ctx, rate, cm.Continuous); err != nil {
			return fmt.Errorf("control: start: %w", err)
		}
		c.running = true
		slog.Info("control: emitter started", "rate", rate, "continuous", cm.Continuous)
		return nil

	case types.CommandStop:
		if !c.running {
			return nil
		}
		if err := c.stopLocked(ctx); err != nil {
			return err
		}
		slog.Info("control: emitter stopped")
		return nil
	}
	return fmt.Errorf("control: unknown command %q", cm.Command)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.stopTimeout)
	defer cancel()
	if err := c.em.Stop(ctx); err != nil {
		return fmt.Errorf("control: stop: %w", err)
	}
	c.running = false
	return nil
}

// Handle decodes a raw command payload and applies it.
func (c *Controller) Handle(ctx context.Context, payload []byte) error {
	var cm types.ControlMessage
	if err := json.Unmarshal(payload, &cm); err != nil {
		return fmt.Errorf("control: decode: %w", err)
	}
	return c.Apply(ctx, cm)
}

// MessageHandler adapts Handle to an MQTT subscription callback. ctx bounds
// every command it applies.
func (c *Controller) MessageHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := c.Handle(ctx, msg.Payload()); err != nil {
			slog.Warn("control: command rejected", "topic", msg.Topic(), "err", err)
		}
	}
}
