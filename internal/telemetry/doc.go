// Package telemetry implements the Server-Sent Events hub for PSU state
// changes.
//
// Events carry monotonic IDs. The most recent events are kept in a ring
// buffer so a reconnecting client can resume with Last-Event-ID. Idle
// streams receive periodic heartbeats.
package telemetry
