package redis

import (
	"strings"
	"testing"
	"time"
)

// --- Test: NewBlockCache ---

func TestNewBlockCache_CreatesWithConfig(t *testing.T) {
	cfg := Config{
		Addr:      "localhost:6379",
		Password:  "secret",
		DB:        1,
		TTL:       1 * time.Hour,
		KeyPrefix: "test",
	}

	cache, err := NewBlockCache(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cache.Close()

	if cache.ttl != cfg.TTL {
		t.Errorf("expected TTL=%v, got %v", cfg.TTL, cache.ttl)
	}
	if cache.keyPrefix != cfg.KeyPrefix {
		t.Errorf("expected keyPrefix=%s, got %s", cfg.KeyPrefix, cache.keyPrefix)
	}
	if cache.client == nil {
		t.Fatal("expected client, got nil")
	}
	if cache.logger == nil {
		t.Fatal("expected default logger to be set, got nil")
	}
}

func TestNewBlockCache_EmptyAddrReturnsError(t *testing.T) {
	_, err := NewBlockCache(Config{}, nil)
	if err == nil {
		t.Fatal("expected error for empty addr, got nil")
	}
	if !strings.Contains(err.Error(), "redis address is required") {
		t.Errorf("expected 'redis address is required' error, got %v", err)
	}
}

// --- Test: ConfigDefaults ---

func TestConfigDefaults_ReturnsDefaults(t *testing.T) {
	defaults := ConfigDefaults()

	if defaults.Addr != "localhost:6379" {
		t.Errorf("expected Addr=localhost:6379, got %s", defaults.Addr)
	}
	if defaults.TTL != 6*time.Hour {
		t.Errorf("expected TTL=6h, got %v", defaults.TTL)
	}
	if defaults.KeyPrefix != "stl-slots" {
		t.Errorf("expected KeyPrefix=stl-slots, got %s", defaults.KeyPrefix)
	}
}

// --- Test: key generation ---

func TestBlockCache_KeyFormat(t *testing.T) {
	tests := []struct {
		prefix   string
		slot     uint64
		expected string
	}{
		{"test", 12345, "test:12345:block"},
		{"stl-slots", 0, "stl-slots:0:block"},
		{"", 250000000, ":250000000:block"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			cache, err := NewBlockCache(Config{Addr: "localhost:6379", KeyPrefix: tt.prefix}, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer cache.Close()

			if key := cache.key(tt.slot); key != tt.expected {
				t.Errorf("expected key=%s, got %s", tt.expected, key)
			}
		})
	}
}

func TestBlockCache_SetBlockRejectsNil(t *testing.T) {
	cache, err := NewBlockCache(Config{Addr: "localhost:6379"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cache.Close()

	if err := cache.SetBlock(t.Context(), nil); err == nil {
		t.Fatal("expected error for nil block")
	}
}
