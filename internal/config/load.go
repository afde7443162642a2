package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Load merges Default() + optional YAML file + PSU_* env overrides and
// validates the result. An empty path falls back to $PSU_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("PSU_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile decodes YAML over cfg; keys absent from the file keep their
// current values.
func loadFromFile(cfg interface{}, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// applyEnvOverrides applies PSU_* environment variables to the config.
func applyEnvOverrides(cfg *Config) error {
	var err error
	setString(&cfg.Unit.SerialNumber, "PSU_SERIAL")
	setString(&cfg.Unit.Address, "PSU_ADDRESS")
	setString(&cfg.Unit.User, "PSU_USER")
	setString(&cfg.Unit.Password, "PSU_PASSWORD")
	if err = setInt(&cfg.Unit.NumChannels, "PSU_CHANNELS"); err != nil {
		return err
	}
	if err = setFloat(&cfg.Unit.MaxAmplitude, "PSU_MAX_AMPLITUDE"); err != nil {
		return err
	}
	if err = setBool(&cfg.Unit.ConnectOnStart, "PSU_CONNECT_ON_START"); err != nil {
		return err
	}

	setString(&cfg.Transport.Kind, "PSU_TRANSPORT")
	if err = setInt(&cfg.Transport.Baud, "PSU_BAUD"); err != nil {
		return err
	}

	// Command timeouts
	if err = setDuration(&cfg.Timing.CommandTimeoutPower, "PSU_TIMING_COMMAND_POWER"); err != nil {
		return err
	}
	if err = setDuration(&cfg.Timing.CommandTimeoutChannel, "PSU_TIMING_COMMAND_CHANNEL"); err != nil {
		return err
	}
	if err = setDuration(&cfg.Timing.CommandTimeoutReset, "PSU_TIMING_COMMAND_RESET"); err != nil {
		return err
	}

	setString(&cfg.API.Listen, "PSU_API_LISTEN")
	if err = setBool(&cfg.Auth.Enabled, "PSU_AUTH_ENABLED"); err != nil {
		return err
	}
	setString(&cfg.Auth.Secret, "PSU_AUTH_SECRET")

	if err = setBool(&cfg.MQTT.Enabled, "PSU_MQTT_ENABLED"); err != nil {
		return err
	}
	setString(&cfg.MQTT.Broker, "PSU_MQTT_BROKER")
	setString(&cfg.MQTT.Username, "PSU_MQTT_USERNAME")
	setString(&cfg.MQTT.Password, "PSU_MQTT_PASSWORD")

	setString(&cfg.Log.Level, "PSU_LOG_LEVEL")
	setString(&cfg.Log.Format, "PSU_LOG_FORMAT")
	setString(&cfg.Log.File, "PSU_LOG_FILE")
	setString(&cfg.Audit.File, "PSU_AUDIT_FILE")

	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
