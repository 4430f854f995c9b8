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

// Default values applied when fields are absent from the config file.
const (
	DefaultBufferSize     = 1000
	DefaultSensors        = 10
	DefaultMaxLookupDelay = 200 * time.Millisecond
	DefaultConnectTimeout = 5 * time.Second
	DefaultPublishTimeout = 5 * time.Second
)

// Config is the top-level configuration of the agent. The `server:` and
// `pipeline:` sections of a shared file are ignored.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
	Log   LogConfig   `yaml:"log"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// MQTT is the broker the agent publishes to.
	MQTT MQTTConfig `yaml:"mqtt"`

	// Simulator configures the sensors hosted by this agent.
	Simulator SimulatorConfig `yaml:"simulator"`

	// BufferSize is the maximum number of statuses held in memory while the
	// broker is unreachable. The oldest is evicted when full.
	BufferSize int `yaml:"buffer_size"`

	// Autostart begins emitting without waiting for a start command.
	Autostart bool `yaml:"autostart"`

	// Rate and Continuous apply to Autostart only; a start command carries
	// its own.
	Rate       string `yaml:"rate"`
	Continuous bool   `yaml:"continuous"`
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`

	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// PublishTimeout bounds one publish round trip before it is retried.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// Password returns the broker password resolved from the environment.
// Returns empty string if PasswordEnv is unset or the variable is not found.
func (m MQTTConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

// SimulatorConfig configures the hosted simulator.
type SimulatorConfig struct {
	Sensors        int           `yaml:"sensors"`
	MaxLookupDelay time.Duration `yaml:"max_lookup_delay"`
	Seed           int64         `yaml:"seed"`
}

// LogConfig controls the default slog handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
}

// SlogLevel returns the configured level, info when empty.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if strings.TrimSpace(l.Level) == "" || lvl.UnmarshalText([]byte(l.Level)) != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			MQTT: MQTTConfig{
				ClientID:       "sensorwatch-agent",
				TopicPrefix:    types.DefaultTopicPrefix,
				ConnectTimeout: DefaultConnectTimeout,
				PublishTimeout: DefaultPublishTimeout,
			},
			Simulator: SimulatorConfig{
				Sensors:        DefaultSensors,
				MaxLookupDelay: DefaultMaxLookupDelay,
			},
			BufferSize: DefaultBufferSize,
			Rate:       string(types.RateEasy),
			Continuous: true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Agent.MQTT.Broker == "" {
		return fmt.Errorf("agent.mqtt.broker is required")
	}
	if cfg.Agent.MQTT.TopicPrefix == "" {
		return fmt.Errorf("agent.mqtt.topic_prefix must not be empty")
	}
	if cfg.Agent.MQTT.PublishTimeout <= 0 {
		return fmt.Errorf("agent.mqtt.publish_timeout must be positive")
	}
	if cfg.Agent.Simulator.Sensors <= 0 {
		return fmt.Errorf("agent.simulator.sensors must be positive")
	}
	if cfg.Agent.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	if _, err := types.ParseRate(cfg.Agent.Rate); err != nil {
		return fmt.Errorf("agent.rate: %w", err)
	}
	var lvl slog.Level
	if cfg.Log.Level != "" && lvl.UnmarshalText([]byte(cfg.Log.Level)) != nil {
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	return nil
}
