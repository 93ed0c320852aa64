package util

import (
	"testing"
	"time"
)

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"valid", "12", 12},
		{"negative", "-3", -3},
		{"garbage", "twelve", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STRATA_TEST_INT", tt.value)
			if got := GetEnvInt("STRATA_TEST_INT", 7); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
	if got := GetEnvInt("STRATA_TEST_INT_UNSET", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("STRATA_TEST_BOOL", "1")
	if !GetEnvBool("STRATA_TEST_BOOL", false) {
		t.Fatal("expected true for 1")
	}
	t.Setenv("STRATA_TEST_BOOL", "nope")
	if !GetEnvBool("STRATA_TEST_BOOL", true) {
		t.Fatal("expected default for unparsable value")
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go duration", "1m30s", 90 * time.Second},
		{"bare seconds", "45", 45 * time.Second},
		{"empty", "", time.Second},
		{"garbage", "soon", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STRATA_TEST_DURATION", tt.value)
			if got := GetEnvDuration("STRATA_TEST_DURATION", time.Second); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGetEnvString_EmptyFallsBack(t *testing.T) {
	t.Setenv("STRATA_TEST_STRING", "")
	if got := GetEnvString("STRATA_TEST_STRING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
