package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"loud", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if got := NewWithOutput(tt.in, "text", &buf).GetLevel(); got != tt.want {
			t.Errorf("level %q: got %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestInvalidLevelWarns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewWithOutput("loud", "text", &buf)
	if !strings.Contains(buf.String(), "Invalid log level") {
		t.Errorf("output = %q, want a warning", buf.String())
	}
}

func TestJSONComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithOutput("info", "json", &buf)
	Component(logger, "server").WithField("device_id", "DEV001").Info("Device logged in")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if entry["component"] != "server" || entry["device_id"] != "DEV001" || entry["msg"] != "Device logged in" {
		t.Errorf("entry = %v", entry)
	}
}
