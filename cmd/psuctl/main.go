// Package main is the psuctl service: the PSU command executor behind the
// HTTP API, the SSE telemetry stream and the optional MQTT bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psu-control/psuctl/internal/api"
	"github.com/psu-control/psuctl/internal/audit"
	"github.com/psu-control/psuctl/internal/auth"
	"github.com/psu-control/psuctl/internal/command"
	"github.com/psu-control/psuctl/internal/config"
	"github.com/psu-control/psuctl/internal/logging"
	"github.com/psu-control/psuctl/internal/metrics"
	"github.com/psu-control/psuctl/internal/mqttbridge"
	"github.com/psu-control/psuctl/internal/psu"
	"github.com/psu-control/psuctl/internal/telemetry"
	"github.com/psu-control/psuctl/internal/transport"
	"github.com/psu-control/psuctl/internal/transport/mock"
	"github.com/psu-control/psuctl/internal/transport/serial"
	"github.com/psu-control/psuctl/internal/transport/tcp"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $PSU_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New(config.LogConfig{}).Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logging.New(cfg.Log)
	log.Info().
		Str("version", Version).
		Str("serial", cfg.Unit.SerialNumber).
		Int("channels", cfg.Unit.NumChannels).
		Str("transport", cfg.Transport.Kind).
		Msg("starting psuctl")

	// Step 1: controller and transport
	dialer, err := newDialer(cfg.Transport)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create transport")
	}
	ctrl, err := psu.New(cfg.Unit.SerialNumber, cfg.Unit.NumChannels, cfg.Unit.MaxAmplitude,
		psu.WithDialer(dialer), psu.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create controller")
	}

	// Step 2: audit, metrics and telemetry
	var auditLogger command.AuditLogger
	var auditCloser *audit.Logger
	if cfg.Audit.Enabled {
		auditCloser, err = audit.NewLogger(cfg.Audit, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize audit logger")
		}
		auditLogger = auditCloser
	}
	m := metrics.New()

	var orchestrator *command.Orchestrator
	hub := telemetry.NewHub(telemetry.Options{
		BufferSize:        cfg.Timing.EventBufferSize,
		HeartbeatInterval: cfg.Timing.HeartbeatInterval,
		Snapshot: func() interface{} {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timing.EnqueueTimeout)
			defer cancel()
			s, err := orchestrator.Snapshot(ctx)
			if err != nil {
				return nil
			}
			return s
		},
		Logger: log,
	})

	// Step 3: command executor
	orchestrator = command.NewOrchestrator(ctrl, command.Options{
		Unit:    cfg.Unit,
		Timing:  cfg.Timing,
		Audit:   auditLogger,
		Metrics: m,
		Sinks:   []command.EventSink{hub},
		Logger:  log,
	})

	// Step 4: MQTT bridge
	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqttbridge.New(cfg.MQTT, cfg.Unit.SerialNumber, orchestrator, mqttbridge.Options{Logger: log})
		orchestrator.AddSink(bridge)
		if err := bridge.Start(); err != nil {
			log.Error().Err(err).Msg("MQTT bridge disabled")
			bridge.Stop()
			bridge = nil
		}
	}

	if cfg.Unit.ConnectOnStart {
		if err := orchestrator.Connect(context.Background()); err != nil {
			log.Error().Err(err).Str("address", cfg.Unit.Address).Msg("initial connect failed, use POST /api/v1/psu/connect to retry")
		}
	}

	// Step 5: HTTP API
	serverErr := make(chan error, 1)
	var server *api.Server
	if cfg.API.Enabled {
		middleware, err := newAuth(cfg.Auth)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure authentication")
		}
		server = api.NewServer(cfg.API, orchestrator, api.Options{
			Telemetry: hub,
			Metrics:   m.Handler(),
			Auth:      middleware,
			Logger:    log,
		})
		go func() {
			if err := server.Start(); err != nil {
				serverErr <- err
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("error stopping HTTP server")
		}
	}
	if bridge != nil {
		bridge.Stop()
	}
	hub.Stop()
	if err := orchestrator.Stop(); err != nil {
		log.Warn().Err(err).Msg("error closing command channel")
	}
	if auditCloser != nil {
		if err := auditCloser.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing audit logger")
		}
	}
	log.Info().Msg("psuctl shutdown complete")
}

// newDialer returns the dialer for the configured transport kind.
func newDialer(cfg config.TransportConfig) (transport.Dialer, error) {
	switch cfg.Kind {
	case "mock":
		return mock.Dialer(), nil
	case "tcp":
		return tcp.NewDialer(cfg.DialTimeout, cfg.ReadTimeout), nil
	case "serial":
		return serial.NewDialer(cfg.Baud, cfg.ReadTimeout), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
}

// newAuth returns nil, which disables authentication, unless auth is enabled.
func newAuth(cfg config.AuthConfig) (*auth.Middleware, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return auth.NewMiddleware(verifier), nil
}
