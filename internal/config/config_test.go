package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psu.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PSU_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Unit.NumChannels != 2 {
		t.Errorf("NumChannels = %d, want 2", cfg.Unit.NumChannels)
	}
	if cfg.Unit.MaxAmplitude != 60 {
		t.Errorf("MaxAmplitude = %v, want 60", cfg.Unit.MaxAmplitude)
	}
	if cfg.Transport.Kind != "mock" {
		t.Errorf("Transport.Kind = %q, want mock", cfg.Transport.Kind)
	}
	if cfg.Timing.CommandTimeoutPower != 5*time.Second {
		t.Errorf("CommandTimeoutPower = %v, want 5s", cfg.Timing.CommandTimeoutPower)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `
unit:
  serialNumber: SN-42
  numChannels: 4
  maxAmplitude: 30.5
transport:
  kind: tcp
timing:
  commandTimeoutChannel: 750ms
mqtt:
  enabled: true
  broker: tcp://broker:1883
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Unit.SerialNumber != "SN-42" || cfg.Unit.NumChannels != 4 || cfg.Unit.MaxAmplitude != 30.5 {
		t.Errorf("unit = %+v", cfg.Unit)
	}
	if cfg.Transport.Kind != "tcp" {
		t.Errorf("Transport.Kind = %q, want tcp", cfg.Transport.Kind)
	}
	if cfg.Timing.CommandTimeoutChannel != 750*time.Millisecond {
		t.Errorf("CommandTimeoutChannel = %v, want 750ms", cfg.Timing.CommandTimeoutChannel)
	}
	// keys absent from the file keep their defaults
	if cfg.Timing.CommandTimeoutReset != 10*time.Second {
		t.Errorf("CommandTimeoutReset = %v, want default 10s", cfg.Timing.CommandTimeoutReset)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestLoadFromConfigEnv(t *testing.T) {
	path := writeFile(t, "unit:\n  serialNumber: FROM-ENV\n")
	t.Setenv("PSU_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Unit.SerialNumber != "FROM-ENV" {
		t.Errorf("SerialNumber = %q, want FROM-ENV", cfg.Unit.SerialNumber)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "unit:\n  numChannels: 4\n")
	t.Setenv("PSU_CHANNELS", "8")
	t.Setenv("PSU_MAX_AMPLITUDE", "12.5")
	t.Setenv("PSU_TIMING_COMMAND_POWER", "3s")
	t.Setenv("PSU_LOG_FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Unit.NumChannels != 8 {
		t.Errorf("NumChannels = %d, want 8", cfg.Unit.NumChannels)
	}
	if cfg.Unit.MaxAmplitude != 12.5 {
		t.Errorf("MaxAmplitude = %v, want 12.5", cfg.Unit.MaxAmplitude)
	}
	if cfg.Timing.CommandTimeoutPower != 3*time.Second {
		t.Errorf("CommandTimeoutPower = %v, want 3s", cfg.Timing.CommandTimeoutPower)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{"missing file", "", nil, "failed to load"},
		{"unknown key", "unit:\n  colour: red\n", nil, "failed to load"},
		{"bad env number", "", map[string]string{"PSU_CHANNELS": "two"}, "PSU_CHANNELS"},
		{"bad env duration", "", map[string]string{"PSU_TIMING_COMMAND_RESET": "soon"}, "PSU_TIMING_COMMAND_RESET"},
		{"zero channels", "unit:\n  numChannels: 0\n", nil, "channel count"},
		{"negative max amplitude", "unit:\n  maxAmplitude: -1\n", nil, "max amplitude"},
		{"unknown transport", "transport:\n  kind: carrier-pigeon\n", nil, "unknown transport"},
		{"hs256 without secret", "auth:\n  enabled: true\n", nil, "secret"},
		{"bad log level", "log:\n  level: loud\n", nil, "unknown level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PSU_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			switch {
			case tt.file != "":
				path = writeFile(t, tt.file)
			case tt.name == "missing file":
				path = filepath.Join(t.TempDir(), "nope.yaml")
			}

			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Error("Validate(nil) succeeded")
	}
	if err := ValidateEmulator(nil); err == nil {
		t.Error("ValidateEmulator(nil) succeeded")
	}
}

func TestLoadEmulator(t *testing.T) {
	t.Setenv("PSUMOCK_CONFIG", "")
	path := writeFile(t, `
listen: 127.0.0.1:6000
numChannels: 3
maxAmplitude: 24
user: admin
password: secret
`)
	t.Setenv("PSUMOCK_MODE", "silent")

	cfg, err := LoadEmulator(path)
	if err != nil {
		t.Fatalf("LoadEmulator() failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:6000" || cfg.NumChannels != 3 || cfg.MaxAmplitude != 24 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Mode != "silent" {
		t.Errorf("Mode = %q, want silent", cfg.Mode)
	}
	if cfg.User != "admin" || cfg.Password != "secret" {
		t.Errorf("credentials not loaded: %q/%q", cfg.User, cfg.Password)
	}
}

func TestValidateEmulator(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *EmulatorConfig)
	}{
		{"bad mode", func(c *EmulatorConfig) { c.Mode = "degraded" }},
		{"no channels", func(c *EmulatorConfig) { c.NumChannels = 0 }},
		{"bad cidr", func(c *EmulatorConfig) { c.AllowedCIDRs = []string{"10.0.0.0/33"} }},
		{"empty cidrs", func(c *EmulatorConfig) { c.AllowedCIDRs = nil }},
		{"negative delay", func(c *EmulatorConfig) { c.ReplyDelay = -time.Second }},
	}

	if err := ValidateEmulator(DefaultEmulator()); err != nil {
		t.Fatalf("default emulator config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEmulator()
			tt.mutate(cfg)
			if err := ValidateEmulator(cfg); err == nil {
				t.Error("ValidateEmulator() succeeded, want error")
			}
		})
	}
}
