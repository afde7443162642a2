package config

import (
	"fmt"
	"math"
	"os"
	"time"
)

// EmulatorConfig configures psumock, the simulated PSU firmware.
type EmulatorConfig struct {
	Listen         string        `yaml:"listen"`
	AllowedCIDRs   []string      `yaml:"allowedCidrs"`
	MaxConnections int           `yaml:"maxConnections"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`

	SerialNumber string  `yaml:"serialNumber"`
	NumChannels  int     `yaml:"numChannels"`
	MaxAmplitude float64 `yaml:"maxAmplitude"`
	Mode         string  `yaml:"mode"` // normal, reject, silent

	// Login handshake; an empty user accepts every connection.
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	ReplyDelay time.Duration `yaml:"replyDelay"`
	QueueSize  int           `yaml:"queueSize"`

	Log LogConfig `yaml:"log"`
}

// DefaultEmulator returns the baseline emulator configuration.
func DefaultEmulator() *EmulatorConfig {
	return &EmulatorConfig{
		Listen:         ":5025",
		AllowedCIDRs:   []string{"127.0.0.0/8", "::1/128"},
		MaxConnections: 4,
		IdleTimeout:    5 * time.Minute,
		SerialNumber:   "PSU-0001",
		NumChannels:    2,
		MaxAmplitude:   60,
		Mode:           "normal",
		QueueSize:      100,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadEmulator merges DefaultEmulator() + optional YAML file + PSUMOCK_* env
// overrides and validates the result. An empty path falls back to
// $PSUMOCK_CONFIG.
func LoadEmulator(path string) (*EmulatorConfig, error) {
	cfg := DefaultEmulator()

	if path == "" {
		path = os.Getenv("PSUMOCK_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	setString(&cfg.Listen, "PSUMOCK_LISTEN")
	setString(&cfg.Mode, "PSUMOCK_MODE")
	setString(&cfg.User, "PSUMOCK_USER")
	setString(&cfg.Password, "PSUMOCK_PASSWORD")
	setString(&cfg.Log.Level, "PSUMOCK_LOG_LEVEL")
	if err := setInt(&cfg.NumChannels, "PSUMOCK_CHANNELS"); err != nil {
		return nil, err
	}
	if err := setFloat(&cfg.MaxAmplitude, "PSUMOCK_MAX_AMPLITUDE"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.ReplyDelay, "PSUMOCK_REPLY_DELAY"); err != nil {
		return nil, err
	}

	if err := ValidateEmulator(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ValidateEmulator checks an emulator configuration.
func ValidateEmulator(cfg *EmulatorConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	switch cfg.Mode {
	case "normal", "reject", "silent":
	default:
		return fmt.Errorf("invalid mode %s, must be one of: normal, reject, silent", cfg.Mode)
	}
	if cfg.NumChannels < 1 {
		return fmt.Errorf("channel count must be at least 1, got %d", cfg.NumChannels)
	}
	if cfg.MaxAmplitude < 0 || math.IsNaN(cfg.MaxAmplitude) || math.IsInf(cfg.MaxAmplitude, 0) {
		return fmt.Errorf("max amplitude must be a finite non-negative number, got %v", cfg.MaxAmplitude)
	}
	if len(cfg.AllowedCIDRs) == 0 {
		return fmt.Errorf("at least one allowed CIDR must be configured")
	}
	if err := validateCIDRs(cfg.AllowedCIDRs); err != nil {
		return err
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", cfg.QueueSize)
	}
	if cfg.ReplyDelay < 0 {
		return fmt.Errorf("reply delay must be non-negative, got %v", cfg.ReplyDelay)
	}
	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	return nil
}
