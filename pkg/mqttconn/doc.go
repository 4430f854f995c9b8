// Package mqttconn dials an MQTT broker with exponential backoff. It is shared
// by the agent, which publishes sensor traffic, and the server's MQTT source.
package mqttconn
