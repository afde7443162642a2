// Package psu implements the multi-channel power supply controller.
//
// A Controller owns one Command Channel and mirrors the unit's state: power
// status, and per channel the enabled flag, the injection flag and the
// amplitude. Every mutating operation sends exactly one command and changes
// local state only after the device confirms it. Arguments and preconditions
// are checked before anything is sent.
//
// Invariant: while the unit is OFF no channel is enabled or injecting.
// PowerOff enforces it by resetting every channel once the device confirms.
//
// A Controller is not safe for concurrent use. Callers that share one unit
// between several call sites go through package command.
package psu
