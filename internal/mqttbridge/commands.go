package mqttbridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/psu-control/psuctl/internal/command"
)

// Command payloads accepted on the command topic.
const (
	ActionPowerToggle = "power-toggle"
	ActionPowerOn     = "power-on"
	ActionPowerOff    = "power-off"
	ActionReset       = "reset"
	ActionEnable      = "enable"
	ActionDisable     = "disable"
	ActionPause       = "pause"
)

// Request is one parsed command payload. Channel is zero for unit actions.
type Request struct {
	Action  string
	Channel int
}

func (r Request) String() string {
	if r.Channel == 0 {
		return r.Action
	}
	return fmt.Sprintf("%s-%d", r.Action, r.Channel)
}

// ParseRequest parses payloads such as "power-toggle" or "enable-2".
func ParseRequest(payload string) (Request, error) {
	p := strings.ToLower(strings.TrimSpace(payload))
	switch p {
	case ActionPowerToggle, ActionPowerOn, ActionPowerOff, ActionReset:
		return Request{Action: p}, nil
	}

	i := strings.LastIndexByte(p, '-')
	if i <= 0 {
		return Request{}, fmt.Errorf("unknown command %q", payload)
	}
	action, index := p[:i], p[i+1:]
	switch action {
	case ActionEnable, ActionDisable, ActionPause:
	default:
		return Request{}, fmt.Errorf("unknown command %q", payload)
	}
	n, err := strconv.Atoi(index)
	if err != nil || n < 1 {
		return Request{}, fmt.Errorf("invalid channel in %q", payload)
	}
	return Request{Action: action, Channel: n}, nil
}

// dispatch runs req against port.
func dispatch(ctx context.Context, port command.Port, req Request) error {
	switch req.Action {
	case ActionPowerToggle:
		_, err := port.TogglePower(ctx)
		return err
	case ActionPowerOn:
		return port.PowerOn(ctx)
	case ActionPowerOff:
		return port.PowerOff(ctx)
	case ActionReset:
		return port.Reset(ctx)
	case ActionEnable:
		return port.EnableChannel(ctx, req.Channel)
	case ActionDisable:
		return port.DisableChannel(ctx, req.Channel)
	case ActionPause:
		return port.Pause(ctx, req.Channel)
	}
	return fmt.Errorf("unknown action %q", req.Action)
}
