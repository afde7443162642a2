// Package config implements configuration loading for psuctl and psumock.
//
// Values are layered: compiled-in baseline, then an optional YAML file, then
// PSU_* environment overrides, then validation. The unit's channel count and
// amplitude ceiling are fixed at startup.
package config
