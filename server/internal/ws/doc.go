// Package ws implements the WebSocket hub for sensorwatch-server.
//
// Hub streams the change publisher to every connected client. On connect a
// client receives the current cache contents as one snapshot message, then
// one change message per Add, Update or Remove.
//
// New(cache, publisher) creates a Hub.
// Hub.Run(ctx) blocks until ctx is cancelled, then closes all active
// connections.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket and serves it until
// either side closes.
//
// Message formats sent to clients:
//
//	{"event": "snapshot", "data": [ /* same schema as GET /api/v1/statuses */ ]}
//	{"event": "change",   "data": {"op": "add", "key": "...", "status": {...}, "sensor": {...}}}
//
// The client subscribes before the snapshot is read, so a change racing the
// connect may appear both in the snapshot and as the first change message.
// Slow clients are governed by the publisher's overflow policy; under
// "disconnect" the hub drops them.
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. WebSocket endpoint is mounted at /ws/stream by the server.
package ws
