package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reportbridge/reportd/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{
			name:    "valid json config to stdout",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			wantErr: false,
		},
		{
			name:    "valid text config to stderr",
			cfg:     config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			cfg:     config.LoggingConfig{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			cfg:     config.LoggingConfig{Level: "info", Format: "invalid", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "empty output defaults to stdout",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: ""},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger without error")
			}
		})
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	if logger.GetLevel() != LevelInfo {
		t.Errorf("NewDefault() level = %v, want %v", logger.GetLevel(), LevelInfo)
	}
}

func TestLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "json", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	logger.With("conn_id", "abc").Info("request served", "success", true)
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log entry is not valid JSON: %v", err)
	}
	if entry["msg"] != "request served" {
		t.Errorf("msg = %v, want %q", entry["msg"], "request served")
	}
	if entry["conn_id"] != "abc" {
		t.Errorf("conn_id = %v, want %q", entry["conn_id"], "abc")
	}
	if entry["success"] != true {
		t.Errorf("success = %v, want true", entry["success"])
	}
}

func TestLoggerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "text", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	logger.WithGroup("engine").Warn("slow", "elapsed", "2s")
	if !strings.Contains(buf.String(), "engine.elapsed=2s") {
		t.Errorf("grouped attribute missing from %q", buf.String())
	}
}

func TestLoggerSetLevelAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "json", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	child := logger.With("component", "server")

	child.Debug("before")
	if buf.Len() != 0 {
		t.Fatalf("debug output written at info level: %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if logger.GetLevel() != LevelDebug {
		t.Errorf("GetLevel() = %v, want %v", logger.GetLevel(), LevelDebug)
	}
	child.Debug("after")
	if !strings.Contains(buf.String(), `"msg":"after"`) {
		t.Errorf("derived logger did not pick up new level: %q", buf.String())
	}
}

func TestLoggerEnabled(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "warn", Format: "json", Output: "stdout"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name    string
		level   Level
		enabled bool
	}{
		{"debug disabled at warn", LevelDebug, false},
		{"info disabled at warn", LevelInfo, false},
		{"warn enabled at warn", LevelWarn, true},
		{"error enabled at warn", LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := logger.Enabled(tt.level); got != tt.enabled {
				t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.enabled)
			}
		})
	}
}

func TestLoggerLog(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "json", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	logger.Log(context.Background(), LevelError, "engine failed")
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("Log() output = %q", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	logger.Error("dropped")
	if logger.Enabled(LevelError) {
		t.Error("nop logger should not enable any level")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "reportd.log")

	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("test message", "key", "value")

	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	// A second close is a no-op.
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal(data, &logEntry); err != nil {
		t.Errorf("Log entry is not valid JSON: %v", err)
	}
	if msg, ok := logEntry["msg"].(string); !ok || msg != "test message" {
		t.Errorf("Log message = %v, want 'test message'", logEntry["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		want    Level
		wantErr bool
	}{
		{"debug", "debug", LevelDebug, false},
		{"info", "info", LevelInfo, false},
		{"warn", "warn", LevelWarn, false},
		{"warning", "warning", LevelWarn, false},
		{"error", "error", LevelError, false},
		{"invalid", "invalid", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
