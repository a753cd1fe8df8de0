// Package gateway holds the transport-independent parts of the MES gateway:
// listener configuration, the live connection registry, traffic statistics
// and the event bus observers use to follow connection and request activity.
//
// The HTTP and WebSocket listener lives in gateway/http and the NATS/MQTT
// event forwarders in gateway/events.
package gateway
