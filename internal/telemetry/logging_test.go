package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info")

	log.Info("connecting",
		"api_key", "sk-secret-value",
		"authorization", "Bearer abc",
		"topic", "tasks",
	)

	out := buf.String()
	if strings.Contains(out, "sk-secret-value") || strings.Contains(out, "Bearer abc") {
		t.Fatalf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("no redaction marker in log: %s", out)
	}
	if !strings.Contains(out, `"topic":"tasks"`) {
		t.Fatalf("benign attr mangled: %s", out)
	}
}

func TestNewLogger_JSONWithTimestampAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info")
	log.Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("no timestamp key: %v", entry)
	}
	if entry["component"] != "tablebus" {
		t.Fatalf("component = %v", entry["component"])
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")

	log.Info("dropped")
	log.Debug("dropped")
	log.Warn("kept")

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if buf.Len() == 0 || lines != 1 {
		t.Fatalf("expected exactly the warn line, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{
		"debug":   "DEBUG",
		"WARN":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	} {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
