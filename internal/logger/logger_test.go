package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"none", SILENT, false},
		{"loud", INFO, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoggerWritesModuleField(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)
	l.Warn("Capture", "reconnecting to index %d", 2)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["module"] != "Capture" {
		t.Fatalf("module = %v, want Capture", entry["module"])
	}
	if entry["level"] != "warn" {
		t.Fatalf("level = %v, want warn", entry["level"])
	}
	if entry["message"] != "reconnecting to index 2" {
		t.Fatalf("message = %v", entry["message"])
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)
	l.Info("Pipeline", "hidden")
	l.Debug("Pipeline", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below WARN, got %q", buf.String())
	}

	l.SetLevel(SILENT)
	l.Error("Pipeline", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output when silent, got %q", buf.String())
	}
}

func TestConsoleOutputContainsModule(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, true)
	l.Info("FrameHub", "client subscribed")
	if !strings.Contains(buf.String(), "FrameHub") || !strings.Contains(buf.String(), "client subscribed") {
		t.Fatalf("console output missing module or message: %q", buf.String())
	}
}
