package config

import "time"

// Config is the complete psuctl configuration.
type Config struct {
	Unit      UnitConfig      `yaml:"unit"`
	Transport TransportConfig `yaml:"transport"`
	Timing    TimingConfig    `yaml:"timing"`
	API       APIConfig       `yaml:"api"`
	Auth      AuthConfig      `yaml:"auth"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
	Audit     AuditConfig     `yaml:"audit"`
}

// UnitConfig describes the power supply being driven.
type UnitConfig struct {
	SerialNumber   string  `yaml:"serialNumber"`
	NumChannels    int     `yaml:"numChannels"`
	MaxAmplitude   float64 `yaml:"maxAmplitude"`
	Address        string  `yaml:"address"`
	User           string  `yaml:"user"`
	Password       string  `yaml:"password"`
	ConnectOnStart bool    `yaml:"connectOnStart"`
}

// TransportConfig selects and tunes the command channel.
type TransportConfig struct {
	Kind        string        `yaml:"kind"` // mock, tcp, serial
	Baud        int           `yaml:"baud"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
}

// TimingConfig holds command timeout classes and executor sizing.
type TimingConfig struct {
	CommandTimeoutPower   time.Duration `yaml:"commandTimeoutPower"`
	CommandTimeoutChannel time.Duration `yaml:"commandTimeoutChannel"`
	CommandTimeoutReset   time.Duration `yaml:"commandTimeoutReset"`
	ConnectTimeout        time.Duration `yaml:"connectTimeout"`
	EnqueueTimeout        time.Duration `yaml:"enqueueTimeout"`
	QueueSize             int           `yaml:"queueSize"`

	EventBufferSize   int           `yaml:"eventBufferSize"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Algorithm     string `yaml:"algorithm"` // HS256, RS256
	Secret        string `yaml:"secret"`
	PublicKeyFile string `yaml:"publicKeyFile"`
	Issuer        string `yaml:"issuer"`
}

// MQTTConfig configures the broker bridge.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"clientId"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topicPrefix"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keepAlive"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console, json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AuditConfig configures the JSONL audit trail.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Default returns the baseline configuration: a two-channel 60 V unit on the
// mock transport.
func Default() *Config {
	return &Config{
		Unit: UnitConfig{
			SerialNumber: "PSU-0001",
			NumChannels:  2,
			MaxAmplitude: 60,
			Address:      "localhost:5025",
		},
		Transport: TransportConfig{
			Kind:        "mock",
			Baud:        9600,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 2 * time.Second,
		},
		Timing: TimingConfig{
			CommandTimeoutPower:   5 * time.Second,
			CommandTimeoutChannel: 2 * time.Second,
			CommandTimeoutReset:   10 * time.Second,
			ConnectTimeout:        10 * time.Second,
			EnqueueTimeout:        5 * time.Second,
			QueueSize:             32,
			EventBufferSize:       50,
			HeartbeatInterval:     15 * time.Second,
		},
		API: APIConfig{
			Enabled:      true,
			Listen:       ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "psuctl",
			TopicPrefix:    "psu",
			QoS:            1,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Audit: AuditConfig{
			Enabled:    true,
			File:       "logs/audit.jsonl",
			MaxSizeMB:  10,
			MaxBackups: 10,
			MaxAgeDays: 90,
		},
	}
}
