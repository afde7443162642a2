// Package protocol implements the PSU firmware command grammar.
//
// Controller operations build a tagged Command value; the value is only turned
// into its wire string at the transport boundary. The firmware answers every
// command line with a single status line, STATUS-OK or STATUS-ERR.
//
// Wire grammar:
//
//	power-on          power the unit on
//	power-off         power the unit off
//	reset-config      restore firmware defaults
//	set-N(A)          set channel N amplitude to A
//	enable-N(1|0)     enable / disable channel N
//	on-N              start injection on channel N
//	off-N             stop injection on channel N
package protocol
