package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestAlertError_IsAndAs(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("switch server: %w", WrapAlert(AlertCreateService, cause))

	if !errors.Is(err, cause) {
		t.Error("cause lost through wrapping")
	}
	if !IsAlert(err, AlertCreateService) {
		t.Error("IsAlert(CreateService) = false")
	}
	if IsAlert(err, AlertStartService) {
		t.Error("IsAlert(StartService) = true")
	}

	timeout := NewAlert(AlertDisconnectTimeout, "still %s after %s", "disconnecting", "5s")
	if !errors.Is(timeout, ErrDisconnectTimeout) {
		t.Error("errors.Is(timeout, ErrDisconnectTimeout) = false")
	}
	if errors.Is(timeout, ErrInvalidArgument) {
		t.Error("different kinds must not match")
	}
}

func TestAlertKind_Codes(t *testing.T) {
	tests := []struct {
		kind AlertKind
		code string
	}{
		{AlertEmptyConfiguration, "EMPTY_CONFIGURATION"},
		{AlertDisconnectTimeout, "DISCONNECT_TIMEOUT"},
		{AlertInvalidArgument, "INVALID_ARGUMENT"},
		{AlertStartCommandServer, "START_COMMAND_SERVER"},
	}
	for _, tt := range tests {
		if got := tt.kind.Code(); got != tt.code {
			t.Errorf("%s.Code() = %q, want %q", tt.kind, got, tt.code)
		}
		back, ok := ParseAlertCode(tt.code)
		if !ok || back != tt.kind {
			t.Errorf("ParseAlertCode(%q) = %v, %v", tt.code, back, ok)
		}
	}
	if _, ok := ParseAlertCode("NOPE"); ok {
		t.Error("unknown code parsed")
	}
}

func TestLogger_ComponentLevelsAndHook(t *testing.T) {
	l := NewLogger(LogConfig{Level: "warn", Components: map[string]string{"Stats": "debug"}})
	l.SetOutput(io.Discard)

	var got []string
	l.SetHook(func(level LogLevel, tag, msg string) {
		got = append(got, tag+":"+level.String()+":"+msg)
	})

	l.Infof("Session", "dropped %d", 1)
	l.Warnf("Session", "kept %d", 2)
	l.Debugf("stats", "kept %d", 3)

	want := []string{"Session:warn:kept 2", "stats:debug:kept 3"}
	if len(got) != len(want) {
		t.Fatalf("hook saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLogger_ReconfigureAppliesLevelAndFormat(t *testing.T) {
	l := NewLogger(LogConfig{Level: "info", Components: map[string]string{"Stats": "error"}})
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.Reconfigure(LogConfig{Level: "error", Format: "json"})
	l.Warnf("Session", "dropped")
	if buf.Len() != 0 {
		t.Fatalf("warn emitted after raising level: %q", buf.String())
	}
	l.Errorf("Session", "kept")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON after format change: %q", buf.String())
	}
	if line["component"] != "Session" || line["msg"] != "kept" {
		t.Errorf("json line = %v", line)
	}

	buf.Reset()
	l.Reconfigure(LogConfig{Level: "info"})
	l.Infof("Stats", "override gone")
	if !strings.Contains(buf.String(), "override gone") || strings.HasPrefix(buf.String(), "{") {
		t.Errorf("text line after dropping the Stats override = %q", buf.String())
	}
}
