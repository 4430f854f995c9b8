// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent, Log}: full config tree parsed from YAML
//   - AgentConfig: mqtt, simulator, buffer_size, autostart, rate, continuous
//   - MQTTConfig: broker, client_id, topic_prefix, username, password_env,
//     connect_timeout, publish_timeout; Password() resolves from the environment
//   - SimulatorConfig: sensors, max_lookup_delay, seed
//
// Load(path) reads the YAML file, applies defaults (10 sensors, 1000 buffer,
// prefix "sensors"), then validates required fields and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It handles the rename→create pattern
// used by atomic-save editors (vim, VS Code) by re-adding the watch after
// each reload.
package config
