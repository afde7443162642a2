package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/psu-control/psuctl/internal/config"
	"github.com/psu-control/psuctl/internal/device"
	"github.com/psu-control/psuctl/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to emulator YAML config (default $PSUMOCK_CONFIG)")
	flag.Parse()

	cfg, err := config.LoadEmulator(*configPath)
	if err != nil {
		bootLog := logging.New(config.LogConfig{})
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(cfg.Log)
	log.Info().
		Str("serial", cfg.SerialNumber).
		Int("channels", cfg.NumChannels).
		Float64("maxAmplitude", cfg.MaxAmplitude).
		Str("mode", cfg.Mode).
		Msg("starting PSU emulator")

	unit := device.NewUnit(cfg, log)
	srv, err := device.NewServer(cfg, unit, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create device server")
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("device server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	if err := srv.Close(); err != nil {
		log.Warn().Err(err).Msg("device server shutdown error")
	}
	unit.Close()
	log.Info().Msg("emulator stopped")
}
