// Package audit implements the append-only audit trail for PSU commands.
//
// Every command executed against the unit produces one JSON line recording
// who asked, what was asked, how the device answered and how long it took.
package audit
