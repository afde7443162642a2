// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/psu-control/psuctl/internal/config"
)

// New returns a logger writing to stderr, and to cfg.File when set.
func New(cfg config.LogConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit primary output.
func NewWithWriter(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	var w io.Writer = out
	if strings.ToLower(cfg.Format) != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	if cfg.File != "" {
		// The file always gets JSON lines.
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		w = zerolog.MultiLevelWriter(w, file)
	}

	return zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Caller().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
