package env

import (
	"log/slog"
	"testing"
	"time"
)

func TestGet(t *testing.T) {
	t.Setenv("STL_SLOTS_TEST_VALUE", "set")

	if got := Get("STL_SLOTS_TEST_VALUE", "default"); got != "set" {
		t.Errorf("expected set, got %q", got)
	}
	if got := Get("STL_SLOTS_TEST_MISSING", "default"); got != "default" {
		t.Errorf("expected default, got %q", got)
	}
}

func TestGetUint64(t *testing.T) {
	t.Setenv("BOOTSTRAP_WINDOW", "12")
	got, err := GetUint64("BOOTSTRAP_WINDOW", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 12 {
		t.Errorf("expected 12, got %d", got)
	}

	got, err = GetUint64("STL_SLOTS_TEST_MISSING", 5)
	if err != nil || got != 5 {
		t.Errorf("expected default 5, got %d (err %v)", got, err)
	}

	t.Setenv("BOOTSTRAP_WINDOW", "-1")
	if _, err := GetUint64("BOOTSTRAP_WINDOW", 5); err == nil {
		t.Error("expected error for negative value")
	}
}

func TestGetFloat(t *testing.T) {
	t.Setenv("RPC_RATE_LIMIT", "2.5")
	got, err := GetFloat("RPC_RATE_LIMIT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2.5 {
		t.Errorf("expected 2.5, got %v", got)
	}

	t.Setenv("RPC_RATE_LIMIT", "fast")
	if _, err := GetFloat("RPC_RATE_LIMIT", 0); err == nil {
		t.Error("expected error for malformed value")
	}
}

func TestGetDuration(t *testing.T) {
	t.Setenv("HEALTH_TIMEOUT", "90s")
	got, err := GetDuration("HEALTH_TIMEOUT", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}

	t.Setenv("HEALTH_TIMEOUT", "soon")
	if _, err := GetDuration("HEALTH_TIMEOUT", time.Minute); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{raw: "debug", want: slog.LevelDebug},
		{raw: "INFO", want: slog.LevelInfo},
		{raw: "warning", want: slog.LevelWarn},
		{raw: "error", want: slog.LevelError},
		{raw: "", want: slog.LevelInfo},
		{raw: "verbose", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.raw)
			if got := ParseLogLevel(slog.LevelInfo); got != tt.want {
				t.Errorf("ParseLogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
