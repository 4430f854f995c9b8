// Package alerts turns cache change events into alarm notifications for
// SensorWatch. An alert fires when a sensor's live status enters an alarm
// state and resolves when a later status clears it or the entry leaves the
// cache. Webhooks are delivered to Teams, Slack, or generic HTTP targets.
package alerts
