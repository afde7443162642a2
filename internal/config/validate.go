package config

import (
	"fmt"
	"math"
	"net"
	"time"
)

// Validate checks a complete configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateUnit(&cfg.Unit); err != nil {
		return fmt.Errorf("unit validation failed: %w", err)
	}
	if err := validateTransport(&cfg.Transport); err != nil {
		return fmt.Errorf("transport validation failed: %w", err)
	}
	if err := validateTiming(&cfg.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}
	if err := validateAuth(&cfg.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt validation failed: broker is required when enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt validation failed: qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if cfg.Audit.Enabled && cfg.Audit.File == "" {
		return fmt.Errorf("audit validation failed: file is required when enabled")
	}

	return nil
}

func validateUnit(u *UnitConfig) error {
	if u.SerialNumber == "" {
		return fmt.Errorf("serial number is required")
	}
	if u.NumChannels < 1 {
		return fmt.Errorf("channel count must be at least 1, got %d", u.NumChannels)
	}
	if u.MaxAmplitude < 0 || math.IsNaN(u.MaxAmplitude) || math.IsInf(u.MaxAmplitude, 0) {
		return fmt.Errorf("max amplitude must be a finite non-negative number, got %v", u.MaxAmplitude)
	}
	return nil
}

func validateTransport(t *TransportConfig) error {
	switch t.Kind {
	case "mock", "tcp", "serial":
	default:
		return fmt.Errorf("unknown transport %q, must be one of mock, tcp, serial", t.Kind)
	}
	if t.Kind == "serial" && t.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", t.Baud)
	}
	if t.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %v", t.DialTimeout)
	}
	if t.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %v", t.ReadTimeout)
	}
	return nil
}

func validateTiming(t *TimingConfig) error {
	minTimeout := 10 * time.Millisecond
	maxTimeout := 5 * time.Minute

	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"command timeout power", t.CommandTimeoutPower},
		{"command timeout channel", t.CommandTimeoutChannel},
		{"command timeout reset", t.CommandTimeoutReset},
		{"connect timeout", t.ConnectTimeout},
		{"enqueue timeout", t.EnqueueTimeout},
	}
	for _, to := range timeouts {
		if to.value < minTimeout || to.value > maxTimeout {
			return fmt.Errorf("%s %v is outside reasonable range [%v, %v]", to.name, to.value, minTimeout, maxTimeout)
		}
	}

	if t.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", t.QueueSize)
	}
	if t.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", t.EventBufferSize)
	}
	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", t.HeartbeatInterval)
	}
	return nil
}

func validateAuth(a *AuthConfig) error {
	if !a.Enabled {
		return nil
	}
	switch a.Algorithm {
	case "HS256":
		if a.Secret == "" {
			return fmt.Errorf("HS256 requires a secret")
		}
	case "RS256":
		if a.PublicKeyFile == "" {
			return fmt.Errorf("RS256 requires a public key file")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", a.Algorithm)
	}
	return nil
}

func validateLog(l *LogConfig) error {
	switch l.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", l.Level)
	}
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown format %q", l.Format)
	}
	return nil
}

// validateCIDRs checks every entry parses as a CIDR block.
func validateCIDRs(cidrs []string) error {
	for _, c := range cidrs {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
	}
	return nil
}
