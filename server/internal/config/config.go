package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sensorwatch/sensorwatch/pkg/types"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort        = 8080
	DefaultTTL             = 15 * time.Second
	DefaultWorkers         = 8
	DefaultSensors         = 10
	DefaultMaxLookupDelay  = 200 * time.Millisecond
	DefaultResolverTimeout = time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerOpenFor  = 5 * time.Second
	DefaultPublisherBuffer = 256
	DefaultConnectTimeout  = 5 * time.Second
	DefaultLookupWait      = 500 * time.Millisecond
	DefaultAlertCooldown   = time.Minute
)

// Source kinds.
const (
	SourceSimulator = "simulator"
	SourceMQTT      = "mqtt"
)

// Config holds the server configuration parsed from config.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Source    SourceConfig    `yaml:"source"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Publisher PublisherConfig `yaml:"publisher"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on.
	HTTPPort int `yaml:"http_port"`
}

// LogConfig controls the default slog handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
}

// SlogLevel returns the parsed level; invalid input was rejected by Load.
func (l LogConfig) SlogLevel() slog.Level {
	lvl, _ := ParseLevel(l.Level)
	return lvl
}

// ParseLevel converts a level name. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q unknown: want debug|info|warn|error", s)
	}
	return lvl, nil
}

// PipelineConfig tunes the ingestion pipeline.
type PipelineConfig struct {
	// TTL is how long a status stays cached after its emission timestamp.
	TTL time.Duration `yaml:"ttl"`

	// Workers is the number of concurrent metadata resolutions.
	Workers int `yaml:"workers"`

	// Rate is passed to the source on start: easy | medium | hardcore.
	Rate string `yaml:"rate"`

	// Continuous asks the source to keep emitting after its initial sweep.
	Continuous bool `yaml:"continuous"`
}

// SourceConfig selects and configures the sensor source.
type SourceConfig struct {
	// Kind is one of: simulator | mqtt.
	Kind      string          `yaml:"kind"`
	Simulator SimulatorConfig `yaml:"simulator"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// SimulatorConfig configures the in-process simulator.
type SimulatorConfig struct {
	Sensors        int           `yaml:"sensors"`
	MaxLookupDelay time.Duration `yaml:"max_lookup_delay"`
	// Seed makes the simulation reproducible when non-zero.
	Seed int64 `yaml:"seed"`
}

// MQTTConfig configures the MQTT source.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`

	// PasswordEnv is the name of the environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// LookupWait bounds how long a lookup waits for an unseen sensor's
	// catalog message.
	LookupWait time.Duration `yaml:"lookup_wait"`
}

// Password returns the broker password resolved from the environment.
func (m MQTTConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

// ResolverConfig tunes metadata resolution.
type ResolverConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// Cache memoizes resolved sensors. Sensors never change, so hits never
	// go stale.
	Cache   bool          `yaml:"cache"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the resolver circuit breaker.
type BreakerConfig struct {
	Failures uint32        `yaml:"failures"`
	OpenFor  time.Duration `yaml:"open_for"`
}

// PublisherConfig configures per-subscriber queues.
type PublisherConfig struct {
	Buffer int `yaml:"buffer"`

	// Overflow is one of: unbounded | drop_oldest | disconnect.
	Overflow string `yaml:"overflow"`
}

// AlertsConfig configures alarm notifications.
type AlertsConfig struct {
	// Cooldown suppresses re-fires for the same sensor for this duration.
	Cooldown time.Duration   `yaml:"cooldown"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config { return defaults() }

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{HTTPPort: DefaultHTTPPort},
		Log:    LogConfig{Level: "info"},
		Pipeline: PipelineConfig{
			TTL:        DefaultTTL,
			Workers:    DefaultWorkers,
			Rate:       string(types.RateEasy),
			Continuous: true,
		},
		Source: SourceConfig{
			Kind: SourceSimulator,
			Simulator: SimulatorConfig{
				Sensors:        DefaultSensors,
				MaxLookupDelay: DefaultMaxLookupDelay,
			},
			MQTT: MQTTConfig{
				ClientID:       "sensorwatch-server",
				TopicPrefix:    types.DefaultTopicPrefix,
				ConnectTimeout: DefaultConnectTimeout,
				LookupWait:     DefaultLookupWait,
			},
		},
		Resolver: ResolverConfig{
			Timeout: DefaultResolverTimeout,
			Breaker: BreakerConfig{
				Failures: DefaultBreakerFailures,
				OpenFor:  DefaultBreakerOpenFor,
			},
		},
		Publisher: PublisherConfig{
			Buffer:   DefaultPublisherBuffer,
			Overflow: "unbounded",
		},
		Alerts: AlertsConfig{Cooldown: DefaultAlertCooldown},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Pipeline.TTL <= 0 {
		return fmt.Errorf("pipeline.ttl must be positive")
	}
	if cfg.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if _, err := types.ParseRate(cfg.Pipeline.Rate); err != nil {
		return fmt.Errorf("pipeline.rate: %w", err)
	}

	switch cfg.Source.Kind {
	case SourceSimulator:
		if cfg.Source.Simulator.Sensors <= 0 {
			return fmt.Errorf("source.simulator.sensors must be positive")
		}
		if cfg.Source.Simulator.MaxLookupDelay < 0 {
			return fmt.Errorf("source.simulator.max_lookup_delay must not be negative")
		}
	case SourceMQTT:
		if cfg.Source.MQTT.Broker == "" {
			return fmt.Errorf("source.mqtt.broker is required when source.kind is mqtt")
		}
		if cfg.Source.MQTT.TopicPrefix == "" {
			return fmt.Errorf("source.mqtt.topic_prefix must not be empty")
		}
	default:
		return fmt.Errorf("source.kind %q unknown: want simulator|mqtt", cfg.Source.Kind)
	}

	if cfg.Resolver.Timeout <= 0 {
		return fmt.Errorf("resolver.timeout must be positive")
	}
	if cfg.Resolver.Breaker.OpenFor < 0 {
		return fmt.Errorf("resolver.breaker.open_for must not be negative")
	}
	if cfg.Publisher.Buffer <= 0 {
		return fmt.Errorf("publisher.buffer must be positive")
	}
	switch cfg.Publisher.Overflow {
	case "unbounded", "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("publisher.overflow %q unknown: want unbounded|drop_oldest|disconnect", cfg.Publisher.Overflow)
	}
	if cfg.Alerts.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must not be negative")
	}
	for i, wh := range cfg.Alerts.Webhooks {
		switch wh.Type {
		case "teams", "slack", "http":
		default:
			return fmt.Errorf("alerts.webhooks[%d]: unknown type %q", i, wh.Type)
		}
		if wh.URLEnv == "" {
			return fmt.Errorf("alerts.webhooks[%d]: url_env is required", i)
		}
	}
	return nil
}
