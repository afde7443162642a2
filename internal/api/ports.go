package api

import (
	"context"
	"net/http"

	"github.com/psu-control/psuctl/internal/command"
	"github.com/psu-control/psuctl/internal/telemetry"
)

// TelemetryPort is what the API needs from the telemetry hub.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// Compile-time assertions for port conformance
var _ command.Port = (*command.Orchestrator)(nil)
var _ TelemetryPort = (*telemetry.Hub)(nil)
