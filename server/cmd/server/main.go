package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sensorwatch/sensorwatch/pkg/mqttconn"
	"github.com/sensorwatch/sensorwatch/pkg/simulator"
	"github.com/sensorwatch/sensorwatch/pkg/types"
	"github.com/sensorwatch/sensorwatch/server/internal/alerts"
	"github.com/sensorwatch/sensorwatch/server/internal/api"
	"github.com/sensorwatch/sensorwatch/server/internal/config"
	"github.com/sensorwatch/sensorwatch/server/internal/metrics"
	"github.com/sensorwatch/sensorwatch/server/internal/pipeline"
	"github.com/sensorwatch/sensorwatch/server/internal/publisher"
	"github.com/sensorwatch/sensorwatch/server/internal/resolver"
	"github.com/sensorwatch/sensorwatch/server/internal/source"
	"github.com/sensorwatch/sensorwatch/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file; empty runs the built-in simulator with defaults")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("sensorwatch-server starting", "config", *configPath)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
	}
	level.Set(cfg.Log.SlogLevel())

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"source", cfg.Source.Kind,
		"ttl", cfg.Pipeline.TTL,
		"workers", cfg.Pipeline.Workers,
		"overflow", cfg.Publisher.Overflow,
		"webhooks", len(cfg.Alerts.Webhooks),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	src, closeSrc, err := buildSource(ctx, cfg)
	if err != nil {
		slog.Error("failed to build sensor source", "kind", cfg.Source.Kind, "err", err)
		os.Exit(1)
	}
	defer closeSrc()

	rate, _ := types.ParseRate(cfg.Pipeline.Rate) // validated by Load
	overflow, _ := publisher.ParseOverflow(cfg.Publisher.Overflow)

	pub := publisher.New(publisher.Options{
		Buffer:   cfg.Publisher.Buffer,
		Overflow: overflow,
		Metrics:  m,
	})
	res := resolver.New(src, resolver.Options{
		Timeout:         cfg.Resolver.Timeout,
		Memoize:         cfg.Resolver.Cache,
		BreakerFailures: cfg.Resolver.Breaker.Failures,
		BreakerOpenFor:  cfg.Resolver.Breaker.OpenFor,
		Metrics:         m,
	})
	pl := pipeline.New(src, pub, pipeline.Config{
		TTL:        cfg.Pipeline.TTL,
		Workers:    cfg.Pipeline.Workers,
		Rate:       rate,
		Continuous: cfg.Pipeline.Continuous,
	}, pipeline.WithResolver(res), pipeline.WithMetrics(m))

	// Alarm notifications consume the change stream like any other subscriber.
	alertEngine := alerts.New(cfg.Alerts)
	go alertEngine.Run(ctx, pub.Subscribe())

	if err := pl.Start(ctx); err != nil {
		slog.Error("failed to start pipeline", "err", err)
		os.Exit(1)
	}

	// WebSocket hub: snapshot on connect, then one message per change.
	hub := ws.New(pl.Cache(), pub)
	go hub.Run(ctx)

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(api.Deps{
		Cache:       pl.Cache(),
		Deleter:     pl,
		Subscribers: pub,
		Gatherer:    reg,
		Alerts:      alertEngine,
	}))
	httpMux.Handle("/ws/stream", hub)
	httpMux.Handle("/metrics", metrics.Handler(reg))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	// Only the log level is applied live; everything else needs a restart.
	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				level.Set(next.Log.SlogLevel())
				slog.Info("log level updated", "level", next.Log.SlogLevel().String())
			})
			if err != nil {
				slog.Warn("config watch disabled", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("sensorwatch-server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := pl.Stop(shutdownCtx); err != nil {
		slog.Warn("pipeline stop", "err", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "err", err)
	}
}

// buildSource returns the configured sensor source and a func releasing its
// connection.
func buildSource(ctx context.Context, cfg *config.Config) (pipeline.Source, func(), error) {
	switch cfg.Source.Kind {
	case config.SourceMQTT:
		mc := cfg.Source.MQTT
		var live atomic.Pointer[source.MQTT]
		client, err := mqttconn.Dial(ctx, mqttconn.Options{
			Broker:         mc.Broker,
			ClientID:       mc.ClientID,
			Username:       mc.Username,
			Password:       mc.Password(),
			ConnectTimeout: mc.ConnectTimeout,
			OnConnect: func(mqtt.Client) {
				// Clean sessions lose their subscriptions on reconnect.
				src := live.Load()
				if src == nil {
					return
				}
				if err := src.Resubscribe(); err != nil {
					slog.Error("source: resubscribe failed", "err", err)
				}
			},
		})
		if err != nil {
			return nil, nil, err
		}
		src := source.NewMQTT(client, source.Options{
			Prefix:     mc.TopicPrefix,
			LookupWait: mc.LookupWait,
		})
		live.Store(src)
		return src, func() { mqttconn.Close(client, 250*time.Millisecond) }, nil

	default:
		opts := []simulator.Option{
			simulator.WithSensors(cfg.Source.Simulator.Sensors),
			simulator.WithMaxLookupDelay(cfg.Source.Simulator.MaxLookupDelay),
		}
		if cfg.Source.Simulator.Seed != 0 {
			opts = append(opts, simulator.WithSeed(cfg.Source.Simulator.Seed))
		}
		return simulator.New(opts...), func() {}, nil
	}
}
