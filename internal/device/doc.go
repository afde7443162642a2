// Package device implements psumock, a simulated PSU firmware that answers
// the line protocol over TCP.
//
// A Unit holds the simulated output state and applies commands in FIFO
// order on a single worker. A Server accepts TCP connections from allowed
// networks, runs the optional login handshake and answers every command
// line with one status line.
package device
