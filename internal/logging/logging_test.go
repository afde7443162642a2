package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/psu-control/psuctl/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf)

	log.Info().Str("serial", "PSU-1").Msg("power on")
	log.Debug().Msg("suppressed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["serial"] != "PSU-1" || entry["message"] != "power on" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry has no timestamp")
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "debug", Format: "console"}, &buf)

	log.Debug().Msg("channel enabled")

	if !strings.Contains(buf.String(), "channel enabled") {
		t.Errorf("console output missing message: %q", buf.String())
	}
	if json.Valid(buf.Bytes()) {
		t.Error("console output should not be JSON")
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psu.log")
	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "info", Format: "console", File: path, MaxSizeMB: 1}, &buf)

	log.Info().Msg("written twice")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"message":"written twice"`) {
		t.Errorf("file content = %q", data)
	}
	if !strings.Contains(buf.String(), "written twice") {
		t.Errorf("console content = %q", buf.String())
	}
}
