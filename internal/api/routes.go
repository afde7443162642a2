package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/psu-control/psuctl/internal/auth"
)

const apiV1 = "/api/v1"

// RegisterRoutes registers every endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	read := s.protect(auth.ScopeRead)
	control := s.protect(auth.ScopeControl)

	mux.HandleFunc("GET "+apiV1+"/health", s.handleHealth)

	mux.HandleFunc("GET "+apiV1+"/psu", read(s.handleGetUnit))
	mux.HandleFunc("POST "+apiV1+"/psu/power", control(s.handleSetPower))
	mux.HandleFunc("POST "+apiV1+"/psu/reset", control(s.handleReset))
	mux.HandleFunc("POST "+apiV1+"/psu/connect", control(s.handleConnect))

	mux.HandleFunc("GET "+apiV1+"/psu/channels/{n}", read(s.handleGetChannel))
	mux.HandleFunc("POST "+apiV1+"/psu/channels/{n}/enable", control(s.handleEnable))
	mux.HandleFunc("POST "+apiV1+"/psu/channels/{n}/amplitude", control(s.handleAmplitude))
	mux.HandleFunc("POST "+apiV1+"/psu/channels/{n}/play", control(s.handlePlay))
	mux.HandleFunc("POST "+apiV1+"/psu/channels/{n}/pause", control(s.handlePause))
	mux.HandleFunc("POST "+apiV1+"/psu/channels/{n}/injection", control(s.handleInjection))

	mux.HandleFunc("GET "+apiV1+"/telemetry", s.protect(auth.ScopeTelemetry)(s.handleTelemetry))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) protect(scope string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return s.authMiddleware.RequireAuth(s.authMiddleware.RequireScope(scope)(next))
	}
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "ok",
		"uptimeSec": time.Since(s.startTime).Seconds(),
		"serial":    "",
		"connected": false,
	}

	snap, err := s.orchestrator.Snapshot(ctx)
	if err != nil || !snap.Connected {
		health["status"] = "degraded"
	}
	if err == nil {
		health["serial"] = snap.SerialNumber
		health["connected"] = snap.Connected
	}

	if health["status"] != "ok" {
		WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED", "Power supply not connected", health)
		return
	}
	WriteSuccess(w, health)
}

// handleGetUnit handles GET /psu.
func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orchestrator.Snapshot(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteSuccess(w, snap)
}

// handleSetPower handles POST /psu/power {"state":"on"|"off"|"toggle"}.
func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteErr(w, err)
		return
	}

	var err error
	switch req.State {
	case "on":
		err = s.orchestrator.PowerOn(r.Context())
	case "off":
		err = s.orchestrator.PowerOff(r.Context())
	case "toggle":
		_, err = s.orchestrator.TogglePower(r.Context())
	default:
		WriteErr(w, fmt.Errorf("%w: state must be on, off or toggle", ErrBadRequest))
		return
	}
	s.respondWithUnit(w, r, err)
}

// handleReset handles POST /psu/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.respondWithUnit(w, r, s.orchestrator.Reset(r.Context()))
}

// handleConnect handles POST /psu/connect. It (re)opens the command channel
// with the configured address and credentials.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.respondWithUnit(w, r, s.orchestrator.Connect(r.Context()))
}

// handleGetChannel handles GET /psu/channels/{n}.
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	n, err := channelIndex(r)
	if err != nil {
		WriteErr(w, err)
		return
	}
	ch, err := s.orchestrator.Channel(r.Context(), n)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteSuccess(w, ch)
}

// handleEnable handles POST /psu/channels/{n}/enable {"enabled":bool}.
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	n, err := s.channelRequest(r, &req)
	if err == nil && req.Enabled == nil {
		err = fmt.Errorf("%w: enabled is required", ErrBadRequest)
	}
	if err != nil {
		WriteErr(w, err)
		return
	}

	if *req.Enabled {
		err = s.orchestrator.EnableChannel(r.Context(), n)
	} else {
		err = s.orchestrator.DisableChannel(r.Context(), n)
	}
	s.respondWithChannel(w, r, n, err)
}

// handleAmplitude handles POST /psu/channels/{n}/amplitude {"amplitude":number}.
func (s *Server) handleAmplitude(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amplitude *float64 `json:"amplitude"`
	}
	n, err := s.channelRequest(r, &req)
	if err == nil && req.Amplitude == nil {
		err = fmt.Errorf("%w: amplitude is required", ErrBadRequest)
	}
	if err != nil {
		WriteErr(w, err)
		return
	}
	s.respondWithChannel(w, r, n, s.orchestrator.SetAmplitude(r.Context(), n, *req.Amplitude))
}

// handlePlay handles POST /psu/channels/{n}/play {"amplitude":number}.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amplitude *float64 `json:"amplitude"`
	}
	n, err := s.channelRequest(r, &req)
	if err == nil && req.Amplitude == nil {
		err = fmt.Errorf("%w: amplitude is required", ErrBadRequest)
	}
	if err != nil {
		WriteErr(w, err)
		return
	}
	s.respondWithChannel(w, r, n, s.orchestrator.Play(r.Context(), n, *req.Amplitude))
}

// handlePause handles POST /psu/channels/{n}/pause.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	n, err := channelIndex(r)
	if err != nil {
		WriteErr(w, err)
		return
	}
	s.respondWithChannel(w, r, n, s.orchestrator.Pause(r.Context(), n))
}

// handleInjection handles POST /psu/channels/{n}/injection {"active":bool}.
func (s *Server) handleInjection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	n, err := s.channelRequest(r, &req)
	if err == nil && req.Active == nil {
		err = fmt.Errorf("%w: active is required", ErrBadRequest)
	}
	if err != nil {
		WriteErr(w, err)
		return
	}

	if *req.Active {
		err = s.orchestrator.StartInjection(r.Context(), n)
	} else {
		err = s.orchestrator.StopInjection(r.Context(), n)
	}
	s.respondWithChannel(w, r, n, err)
}

// handleTelemetry handles GET /telemetry (SSE).
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry service not available", nil)
		return
	}

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	if err := s.telemetryHub.Subscribe(r.Context(), w, r); err != nil {
		s.log.Warn().Err(err).Msg("telemetry subscription failed")
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Failed to subscribe to telemetry stream", nil)
	}
}

func (s *Server) respondWithUnit(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		WriteErr(w, err)
		return
	}
	snap, err := s.orchestrator.Snapshot(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteSuccess(w, snap)
}

func (s *Server) respondWithChannel(w http.ResponseWriter, r *http.Request, n int, err error) {
	if err != nil {
		WriteErr(w, err)
		return
	}
	ch, err := s.orchestrator.Channel(r.Context(), n)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteSuccess(w, ch)
}

// channelRequest parses the channel index and a strict JSON body.
func (s *Server) channelRequest(r *http.Request, body interface{}) (int, error) {
	n, err := channelIndex(r)
	if err != nil {
		return 0, err
	}
	return n, decodeStrict(r, body)
}

// channelIndex parses {n}. Range checks are left to the controller so that
// unknown channels map to NOT_FOUND.
func channelIndex(r *http.Request) (int, error) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		return 0, fmt.Errorf("%w: channel index must be an integer", ErrBadRequest)
	}
	return n, nil
}

// decodeStrict decodes one JSON object, rejecting unknown fields and
// trailing data.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON or unknown fields", ErrBadRequest)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data after JSON object", ErrBadRequest)
	}
	return nil
}
