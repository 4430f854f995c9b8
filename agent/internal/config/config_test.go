package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  mqtt:
    broker: "tcp://localhost:1883"
    topic_prefix: plant
    username: agent
    password_env: TEST_AGENT_MQTT_PASSWORD
  simulator:
    sensors: 4
    seed: 42
  buffer_size: 500
  autostart: true
  rate: medium
  continuous: false
log:
  level: debug
`
	cfg := loadFromString(t, yaml)

	if cfg.Agent.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("broker: got %q", cfg.Agent.MQTT.Broker)
	}
	if cfg.Agent.MQTT.TopicPrefix != "plant" {
		t.Errorf("topic_prefix: got %q", cfg.Agent.MQTT.TopicPrefix)
	}
	if cfg.Agent.Simulator.Sensors != 4 || cfg.Agent.Simulator.Seed != 42 {
		t.Errorf("simulator: got %+v", cfg.Agent.Simulator)
	}
	if cfg.Agent.BufferSize != 500 {
		t.Errorf("buffer_size: got %d", cfg.Agent.BufferSize)
	}
	if !cfg.Agent.Autostart || cfg.Agent.Rate != "medium" || cfg.Agent.Continuous {
		t.Errorf("autostart: got %+v", cfg.Agent)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level: got %v", cfg.Log.SlogLevel())
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
agent:
  mqtt:
    broker: "tcp://localhost:1883"
`
	cfg := loadFromString(t, yaml)

	if cfg.Agent.BufferSize != DefaultBufferSize {
		t.Errorf("default buffer_size: got %d, want %d", cfg.Agent.BufferSize, DefaultBufferSize)
	}
	if cfg.Agent.Simulator.Sensors != DefaultSensors {
		t.Errorf("default sensors: got %d, want %d", cfg.Agent.Simulator.Sensors, DefaultSensors)
	}
	if cfg.Agent.MQTT.TopicPrefix != "sensors" {
		t.Errorf("default topic_prefix: got %q", cfg.Agent.MQTT.TopicPrefix)
	}
	if cfg.Agent.MQTT.PublishTimeout != DefaultPublishTimeout {
		t.Errorf("default publish_timeout: got %v", cfg.Agent.MQTT.PublishTimeout)
	}
	if !cfg.Agent.Continuous || cfg.Agent.Autostart {
		t.Errorf("default continuous/autostart: got %v/%v", cfg.Agent.Continuous, cfg.Agent.Autostart)
	}
	if cfg.Log.SlogLevel() != slog.LevelInfo {
		t.Errorf("default level: got %v", cfg.Log.SlogLevel())
	}
}

func TestLoad_MissingBroker(t *testing.T) {
	yaml := `
agent:
  buffer_size: 10
`
	_, err := loadStringErr(t, yaml)
	if err == nil {
		t.Fatal("expected error for missing broker, got nil")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"rate", "  rate: warp\n"},
		{"buffer", "  buffer_size: 0\n"},
		{"sensors", "  simulator:\n    sensors: -2\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			yaml := "agent:\n  mqtt:\n    broker: tcp://b:1883\n" + tc.body
			if _, err := loadStringErr(t, yaml); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}

	yaml := "agent:\n  mqtt:\n    broker: tcp://b:1883\nlog:\n  level: chatty\n"
	if _, err := loadStringErr(t, yaml); err == nil {
		t.Fatal("expected error for unknown log level, got nil")
	}
}

func TestMQTTConfig_Password(t *testing.T) {
	t.Setenv("TEST_AGENT_MQTT_PASSWORD", "hunter2")
	m := MQTTConfig{PasswordEnv: "TEST_AGENT_MQTT_PASSWORD"}
	if got := m.Password(); got != "hunter2" {
		t.Errorf("Password(): got %q, want %q", got, "hunter2")
	}
}

func TestMQTTConfig_Password_Empty(t *testing.T) {
	if got := (MQTTConfig{}).Password(); got != "" {
		t.Errorf("Password() with no PasswordEnv: got %q, want empty", got)
	}
}

func TestWatch_ReloadAndBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("agent:\n  mqtt:\n    broker: tcp://b:1883\n")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan *Config, 4)
	go func() { _ = Watch(ctx, path, func(c *Config) { got <- c }) }()
	time.Sleep(100 * time.Millisecond)

	write("agent: [")
	select {
	case <-got:
		t.Fatal("onChange called for invalid yaml")
	case <-time.After(500 * time.Millisecond):
	}

	write("agent:\n  mqtt:\n    broker: tcp://b:1883\nlog:\n  level: warn\n")
	select {
	case cfg := <-got:
		if cfg.Log.SlogLevel() != slog.LevelWarn {
			t.Errorf("reloaded level: got %v, want warn", cfg.Log.SlogLevel())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
