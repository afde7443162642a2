// Package auth verifies bearer tokens and enforces scopes on the HTTP API.
//
// Tokens are JWTs signed with HS256 (shared secret) or RS256 (PEM public
// key). Scopes:
//   - read: unit and channel state
//   - control: power, channel and reset commands
//   - telemetry: the event stream
package auth
