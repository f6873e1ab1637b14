package logging

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestConsoleHandlerComponentPrefix(t *testing.T) {
	var sb strings.Builder
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&sb, lvl, false))

	NewComponentLogger(logger, "scheduler").Info("claimed jobs", Int("count", 3))

	out := sb.String()
	if !strings.Contains(out, "scheduler: claimed jobs") {
		t.Fatalf("expected component prefix in output, got %q", out)
	}
	if !strings.Contains(out, "count=3") {
		t.Fatalf("expected count attr in output, got %q", out)
	}
	if strings.Contains(out, "component=") {
		t.Fatalf("component attr should be folded into prefix, got %q", out)
	}
}

func TestFormatValueQuoting(t *testing.T) {
	if got := formatValue(slog.StringValue("plain")); got != "plain" {
		t.Fatalf("formatValue(plain) = %q", got)
	}
	if got := formatValue(slog.StringValue("has space")); got != `"has space"` {
		t.Fatalf("formatValue(has space) = %q", got)
	}
	if got := formatValue(slog.StringValue("")); got != `""` {
		t.Fatalf("formatValue(empty) = %q", got)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
