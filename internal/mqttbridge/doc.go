// Package mqttbridge connects the command executor to an MQTT broker.
//
// Telemetry events are published under <prefix>/<serial>/event/<type> and
// the latest unit snapshot is kept as a retained message on
// <prefix>/<serial>/state. Short text commands received on
// <prefix>/<serial>/cmd are dispatched to the executor, and each outcome is
// reported on <prefix>/<serial>/cmd/result.
package mqttbridge
