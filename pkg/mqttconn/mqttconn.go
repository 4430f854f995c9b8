package mqttconn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Options describes how to reach the broker.
type Options struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration // per attempt
	MaxElapsed     time.Duration // total retry budget; zero means 30s
	MaxRetries     uint64        // zero means unlimited within MaxElapsed

	// OnConnect runs after every successful (re)connect. Subscriptions that
	// must survive a reconnect belong here.
	OnConnect mqtt.OnConnectHandler
}

func (o Options) clientOptions() *mqtt.ClientOptions {
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqttconn: connection lost", "broker", o.Broker, "err", err)
		})
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.OnConnect != nil {
		opts.SetOnConnectHandler(o.OnConnect)
	}
	return opts
}

// Dial connects to the broker, retrying with exponential backoff until the
// budget is spent or ctx is cancelled.
func Dial(ctx context.Context, o Options) (mqtt.Client, error) {
	if o.Broker == "" {
		return nil, fmt.Errorf("mqttconn: broker is required")
	}
	opts := o.clientOptions()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = o.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 30 * time.Second
	}
	var policy backoff.BackOff = bo
	if o.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(bo, o.MaxRetries)
	}

	var client mqtt.Client
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		client = mqtt.NewClient(opts)
		tok := client.Connect()
		if !tok.WaitTimeout(opts.ConnectTimeout) {
			return fmt.Errorf("connect timed out after %s", opts.ConnectTimeout)
		}
		if err := tok.Error(); err != nil {
			slog.Warn("mqttconn: connect failed", "broker", o.Broker, "attempt", attempt, "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("mqttconn: dial %s: %w", o.Broker, err)
	}

	slog.Info("mqttconn: connected", "broker", o.Broker, "client_id", o.ClientID)
	return client, nil
}

// Close disconnects c if it is connected, allowing quiesce for in-flight work.
func Close(c mqtt.Client, quiesce time.Duration) {
	if c != nil && c.IsConnected() {
		c.Disconnect(uint(quiesce.Milliseconds()))
	}
}
