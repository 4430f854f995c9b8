package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sensorwatch/sensorwatch/agent/internal/config"
	"github.com/sensorwatch/sensorwatch/agent/internal/control"
	"github.com/sensorwatch/sensorwatch/agent/internal/shipper"
	"github.com/sensorwatch/sensorwatch/pkg/mqttconn"
	"github.com/sensorwatch/sensorwatch/pkg/simulator"
	"github.com/sensorwatch/sensorwatch/pkg/types"
)

const subscribeTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("sensorwatch-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Log.SlogLevel())
	slog.Info("config loaded",
		"broker", cfg.Agent.MQTT.Broker,
		"prefix", cfg.Agent.MQTT.TopicPrefix,
		"sensors", cfg.Agent.Simulator.Sensors,
		"autostart", cfg.Agent.Autostart,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	simOpts := []simulator.Option{
		simulator.WithSensors(cfg.Agent.Simulator.Sensors),
		simulator.WithMaxLookupDelay(cfg.Agent.Simulator.MaxLookupDelay),
	}
	if cfg.Agent.Simulator.Seed != 0 {
		simOpts = append(simOpts, simulator.WithSeed(cfg.Agent.Simulator.Seed))
	}
	sim := simulator.New(simOpts...)
	ctrl := control.New(sim)

	mc := cfg.Agent.MQTT
	controlTopic := types.ControlTopic(mc.TopicPrefix)
	var live atomic.Pointer[shipper.Shipper]

	client, err := mqttconn.Dial(ctx, mqttconn.Options{
		Broker:         mc.Broker,
		ClientID:       mc.ClientID,
		Username:       mc.Username,
		Password:       mc.Password(),
		ConnectTimeout: mc.ConnectTimeout,
		OnConnect: func(c mqtt.Client) {
			// Runs on every (re)connect: clean sessions drop subscriptions.
			tok := c.Subscribe(controlTopic, 1, ctrl.MessageHandler(ctx))
			if !tok.WaitTimeout(subscribeTimeout) || tok.Error() != nil {
				slog.Error("failed to subscribe to control topic", "topic", controlTopic, "err", tok.Error())
				return
			}
			slog.Info("subscribed to control topic", "topic", controlTopic)

			// Republish so a broker that lost its retained messages can
			// still resolve our sensors.
			if s := live.Load(); s != nil {
				if err := s.PublishCatalog(ctx, sim.Sensors()); err != nil {
					slog.Error("failed to publish sensor catalog", "err", err)
				}
			}
		},
	})
	if err != nil {
		slog.Error("failed to connect to broker", "err", err)
		os.Exit(1)
	}
	defer mqttconn.Close(client, 250*time.Millisecond)

	ship := shipper.New(client, cfg.Agent)
	live.Store(ship)
	sim.OnStatus(ship.Ship)
	go ship.Run(ctx)

	// The first OnConnect ran before the shipper existed.
	if err := ship.PublishCatalog(ctx, sim.Sensors()); err != nil {
		slog.Error("failed to publish sensor catalog", "err", err)
	}

	if cfg.Agent.Autostart {
		err := ctrl.Apply(ctx, types.ControlMessage{
			Command:    types.CommandStart,
			Rate:       types.Rate(cfg.Agent.Rate),
			Continuous: cfg.Agent.Continuous,
		})
		if err != nil {
			slog.Error("autostart failed", "err", err)
		}
	}

	// Watch config file for hot-reload; only the log level is applied live.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			level.Set(updated.Log.SlogLevel())
			slog.Info("config hot-reloaded", "level", updated.Log.SlogLevel().String())
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("sensorwatch-agent shutting down", "pending", ship.Pending(), "evicted", ship.Evicted())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), control.DefaultStopTimeout)
	defer stopCancel()
	if err := ctrl.Apply(stopCtx, types.ControlMessage{Command: types.CommandStop}); err != nil {
		slog.Warn("stop emitter", "err", err)
	}
}
