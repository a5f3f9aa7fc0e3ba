package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: HumanFormat, Level: WarnLevel, Output: &buf})

	logger.Debug("debug message", nil)
	logger.Info("info message", nil)
	logger.Warn("warn message", nil)
	logger.Error("error message", nil)

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below warn level should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("warn and error messages should be logged, got: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: JSONFormat, Level: InfoLevel, Output: &buf})

	logger.Info("batch committed", Fields{"source": "customers", "rows": 42})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["message"] != "batch committed" {
		t.Errorf("message = %v, want 'batch committed'", entry["message"])
	}

	fields, ok := entry["fields"].(map[string]interface{})
	if !ok {
		t.Fatal("expected fields object in JSON output")
	}
	if fields["source"] != "customers" {
		t.Errorf("fields.source = %v, want customers", fields["source"])
	}
}

func TestHumanFormatIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: HumanFormat, Level: DebugLevel, Output: &buf})

	logger.Debug("resume point loaded", Fields{"watermark": 1700000000})

	out := buf.String()
	if !strings.Contains(out, "resume point loaded") {
		t.Errorf("expected message in output, got: %s", out)
	}
	if !strings.Contains(out, "watermark=1700000000") {
		t.Errorf("expected field in output, got: %s", out)
	}
}

func TestDiscardLoggerIsSilent(t *testing.T) {
	logger := Discard()
	// Must not panic and must not write anywhere visible.
	logger.Error("ignored", Fields{"k": "v"})
}
