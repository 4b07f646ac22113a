package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("run created", slog.String(RunIDKey, "20260101_120000_a1b2c3"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["msg"] != "run created" {
		t.Errorf("msg = %v, want %q", entry["msg"], "run created")
	}
	if entry[RunIDKey] != "20260101_120000_a1b2c3" {
		t.Errorf("run_id = %v", entry[RunIDKey])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info message written at warn level: %s", buf.String())
	}

	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn message not written at warn level")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantLevel  string
		wantFormat Format
	}{
		{
			name:       "defaults",
			env:        nil,
			wantLevel:  "info",
			wantFormat: FormatJSON,
		},
		{
			name:       "debug flag wins",
			env:        map[string]string{"RUNICORN_DEBUG": "1", "RUNICORN_LOG_LEVEL": "error"},
			wantLevel:  "debug",
			wantFormat: FormatJSON,
		},
		{
			name:       "runicorn level over generic",
			env:        map[string]string{"RUNICORN_LOG_LEVEL": "WARN", "LOG_LEVEL": "error"},
			wantLevel:  "warn",
			wantFormat: FormatJSON,
		},
		{
			name:       "text format",
			env:        map[string]string{"LOG_FORMAT": "text"},
			wantLevel:  "info",
			wantFormat: FormatText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := FromEnv()
			if cfg.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.wantLevel)
			}
			if cfg.Format != tt.wantFormat {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.wantFormat)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	if got := parseLevel("nonsense"); got != slog.LevelInfo {
		t.Errorf("parseLevel(nonsense) = %v, want info", got)
	}
	if got := parseLevel("warning"); got != slog.LevelWarn {
		t.Errorf("parseLevel(warning) = %v, want warn", got)
	}
}
