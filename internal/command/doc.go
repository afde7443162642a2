// Package command implements the serialized command executor for psuctl.
//
// The Orchestrator owns the psu.Controller. Requests from the HTTP API and
// the MQTT command topic are queued and executed one at a time by a single
// worker, so the controller never sees concurrent callers. After each
// request the orchestrator writes an audit record, updates metrics and
// publishes telemetry events.
package command
