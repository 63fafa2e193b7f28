package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "", want: LevelInfo},
		{in: "DEBUG", want: LevelDebug},
		{in: " warn ", want: LevelWarn},
		{in: "warning", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "verbose", want: LevelInfo, wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseLevel(%q) err=%v, wantErr=%v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestJSONLogIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(FormatJSON, &buf)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithSessionID(ctx, "v1.1767225600.0123456789abcdef")
	l.Log(ctx, LevelInfo, "Request started", Fields{"path": "/api/transcribe"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if entry["request_id"] != "req-1" {
		t.Fatalf("request_id=%v, want req-1", entry["request_id"])
	}
	if entry["session_id"] != "01234567" {
		t.Fatalf("session_id=%v, want truncated prefix", entry["session_id"])
	}
	if entry["path"] != "/api/transcribe" {
		t.Fatalf("path=%v", entry["path"])
	}
	if entry["msg"] != "Request started" || entry["level"] != "info" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestLevelFiltersEntries(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(FormatText, &buf)
	l.SetLevel(LevelWarn)

	l.Log(context.Background(), LevelInfo, "hidden", nil)
	l.Log(context.Background(), LevelWarn, "shown", Fields{"b": 2, "a": 1})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info entry should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown | a=1 b=2") {
		t.Fatalf("expected sorted fields in text output, got %q", out)
	}
}

func TestContextDoesNotLeakBetweenRequests(t *testing.T) {
	base := context.Background()
	first := WithRequestID(base, "first")
	_ = first

	if got := RequestIDFromContext(base); got != "" {
		t.Fatalf("base context picked up request id %q", got)
	}
}
