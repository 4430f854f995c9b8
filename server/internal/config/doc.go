// Package config loads the server configuration from config.yaml. The
// `agent:` key of a shared file is ignored by the server binary.
//
// Sections:
//   - server.http_port           port for the REST API, WebSocket hub and /metrics (default 8080)
//   - log.level                  debug|info|warn|error (default info); hot-reloadable
//   - pipeline                   ttl (15s), workers (8), rate (easy), continuous (true)
//   - source.kind                simulator | mqtt
//   - source.simulator           sensors (10), max_lookup_delay (200ms), seed
//   - source.mqtt                broker, client_id, topic_prefix, username, password_env,
//     connect_timeout, lookup_wait
//   - resolver                   timeout (1s), cache, breaker.failures (5), breaker.open_for (5s)
//   - publisher                  buffer (256), overflow (unbounded|drop_oldest|disconnect)
//   - alerts                     cooldown (1m), webhooks [{type: teams|slack|http, url_env}]
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, onChange) reloads the file on change.
package config
