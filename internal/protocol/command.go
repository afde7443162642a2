package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a wire string does not follow the command grammar.
var ErrMalformed = errors.New("MALFORMED_COMMAND")

// Verb identifies a firmware command.
type Verb int

const (
	VerbPowerOn Verb = iota + 1
	VerbPowerOff
	VerbResetConfig
	VerbSet
	VerbEnable
	VerbOn
	VerbOff
)

// recognizedPrefixes lists the verbs the firmware acknowledges, in the order
// they are matched by Classify.
var recognizedPrefixes = []string{
	"power-on",
	"power-off",
	"reset-config",
	"set",
	"enable",
	"on",
	"off",
}

// String returns the wire keyword for the verb.
func (v Verb) String() string {
	switch v {
	case VerbPowerOn:
		return "power-on"
	case VerbPowerOff:
		return "power-off"
	case VerbResetConfig:
		return "reset-config"
	case VerbSet:
		return "set"
	case VerbEnable:
		return "enable"
	case VerbOn:
		return "on"
	case VerbOff:
		return "off"
	default:
		return "unknown"
	}
}

// ChannelScoped reports whether the verb addresses a single channel.
func (v Verb) ChannelScoped() bool {
	switch v {
	case VerbSet, VerbEnable, VerbOn, VerbOff:
		return true
	default:
		return false
	}
}

// Command is a tagged firmware command.
type Command struct {
	Verb    Verb
	Channel int     // 1-based channel index, channel-scoped verbs only
	Value   float64 // amplitude for VerbSet
	Enable  bool    // target state for VerbEnable
}

// PowerOn builds the unit power-on command.
func PowerOn() Command { return Command{Verb: VerbPowerOn} }

// PowerOff builds the unit power-off command.
func PowerOff() Command { return Command{Verb: VerbPowerOff} }

// ResetConfig builds the firmware reset command.
func ResetConfig() Command { return Command{Verb: VerbResetConfig} }

// Enable builds the channel enable/disable command.
func Enable(channel int, enabled bool) Command {
	return Command{Verb: VerbEnable, Channel: channel, Enable: enabled}
}

// SetAmplitude builds the channel amplitude command.
func SetAmplitude(channel int, amplitude float64) Command {
	return Command{Verb: VerbSet, Channel: channel, Value: amplitude}
}

// StartInjection builds the channel injection start command.
func StartInjection(channel int) Command { return Command{Verb: VerbOn, Channel: channel} }

// StopInjection builds the channel injection stop command.
func StopInjection(channel int) Command { return Command{Verb: VerbOff, Channel: channel} }

// Encode serializes the command to its wire string.
func (c Command) Encode() string {
	switch c.Verb {
	case VerbPowerOn, VerbPowerOff, VerbResetConfig:
		return c.Verb.String()
	case VerbEnable:
		flag := 0
		if c.Enable {
			flag = 1
		}
		return fmt.Sprintf("enable-%d(%d)", c.Channel, flag)
	case VerbSet:
		return fmt.Sprintf("set-%d(%s)", c.Channel, FormatAmplitude(c.Value))
	case VerbOn:
		return fmt.Sprintf("on-%d", c.Channel)
	case VerbOff:
		return fmt.Sprintf("off-%d", c.Channel)
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (c Command) String() string {
	return c.Encode()
}

// FormatAmplitude renders an amplitude in its shortest decimal form.
func FormatAmplitude(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Classify reports how the firmware acknowledges a wire string: Ok when it
// starts with a recognized verb, Err otherwise.
func Classify(wire string) Outcome {
	for _, prefix := range recognizedPrefixes {
		if strings.HasPrefix(wire, prefix) {
			return OutcomeOk
		}
	}
	return OutcomeErr
}

// Parse is the strict inverse of Encode.
func Parse(wire string) (Command, error) {
	wire = strings.TrimSpace(wire)

	switch wire {
	case "power-on":
		return PowerOn(), nil
	case "power-off":
		return PowerOff(), nil
	case "reset-config":
		return ResetConfig(), nil
	}

	switch {
	case strings.HasPrefix(wire, "enable-"):
		ch, arg, err := splitCall(strings.TrimPrefix(wire, "enable-"))
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q: %v", ErrMalformed, wire, err)
		}
		switch arg {
		case "1":
			return Enable(ch, true), nil
		case "0":
			return Enable(ch, false), nil
		default:
			return Command{}, fmt.Errorf("%w: %q: enable flag must be 0 or 1", ErrMalformed, wire)
		}
	case strings.HasPrefix(wire, "set-"):
		ch, arg, err := splitCall(strings.TrimPrefix(wire, "set-"))
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q: %v", ErrMalformed, wire, err)
		}
		value, err := strconv.ParseFloat(arg, 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			return Command{}, fmt.Errorf("%w: %q: invalid amplitude", ErrMalformed, wire)
		}
		return SetAmplitude(ch, value), nil
	case strings.HasPrefix(wire, "on-"):
		ch, err := parseChannel(strings.TrimPrefix(wire, "on-"))
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q: %v", ErrMalformed, wire, err)
		}
		return StartInjection(ch), nil
	case strings.HasPrefix(wire, "off-"):
		ch, err := parseChannel(strings.TrimPrefix(wire, "off-"))
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q: %v", ErrMalformed, wire, err)
		}
		return StopInjection(ch), nil
	}

	return Command{}, fmt.Errorf("%w: %q", ErrMalformed, wire)
}

// splitCall splits "N(arg)" into its channel and argument.
func splitCall(s string) (int, string, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return 0, "", fmt.Errorf("missing argument")
	}
	ch, err := parseChannel(s[:open])
	if err != nil {
		return 0, "", err
	}
	return ch, s[open+1 : len(s)-1], nil
}

func parseChannel(s string) (int, error) {
	ch, err := strconv.Atoi(s)
	if err != nil || ch < 1 {
		return 0, fmt.Errorf("invalid channel %q", s)
	}
	return ch, nil
}
