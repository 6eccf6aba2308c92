package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"noop format", "info", "noop"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json").With("seq2seq")
	l.Info("forward", "batch", 2, "target_len", 4, "err", errors.New("boom"), 7, "seven", "orphan")

	var event map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if event["message"] != "forward" {
		t.Errorf("unexpected message %v", event["message"])
	}
	if event["component"] != "seq2seq" {
		t.Errorf("unexpected component %v", event["component"])
	}
	if event["batch"] != float64(2) || event["target_len"] != float64(4) {
		t.Errorf("missing numeric fields: %v", event)
	}
	if event["err"] != "boom" {
		t.Errorf("error field = %v", event["err"])
	}
	if event["7"] != "seven" {
		t.Errorf("non-string key not stringified: %v", event)
	}
	if _, ok := event["orphan"]; ok {
		t.Error("orphan key should be dropped")
	}
}

func TestLevelFiltering(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	SetOutput(&buf, "json")
	defer Setup("info", "console")

	Log.Debug("filtered debug")
	Log.Info("filtered info")
	Log.Warn("filtered warn")
	Log.Error("kept error")

	out := buf.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("lower levels leaked: %s", out)
	}
	if !strings.Contains(out, "kept error") {
		t.Errorf("error message missing: %s", out)
	}
}

func TestNoopDiscards(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "noop")
	l.Error("nothing")
	if buf.Len() != 0 {
		t.Errorf("noop logger wrote %q", buf.String())
	}
}
