package psu

import "fmt"

// PowerStatus is the unit-wide power state.
type PowerStatus int

const (
	// PowerOff is the initial status.
	PowerOff PowerStatus = iota
	PowerOn
)

// String returns "ON" or "OFF".
func (s PowerStatus) String() string {
	if s == PowerOn {
		return "ON"
	}
	return "OFF"
}

// MarshalText implements encoding.TextMarshaler.
func (s PowerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PowerStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ON":
		*s = PowerOn
	case "OFF":
		*s = PowerOff
	default:
		return fmt.Errorf("unknown power status %q", text)
	}
	return nil
}
