// Package api implements the psuctl HTTP API.
//
// Every JSON response uses the envelope
// {result, data, code, message, details, correlationId}. Commands are
// executed through the serialized command executor; telemetry is served as
// Server-Sent Events and metrics in the Prometheus exposition format.
package api
