package iws

import (
	"testing"
	"time"
)

func TestSignDeterministic(t *testing.T) {
	secret := []byte("test-secret")
	first := Sign("getSystemStatus", "2026-08-30T10:00:00Z", secret)
	second := Sign("getSystemStatus", "2026-08-30T10:00:00Z", secret)
	if first != second {
		t.Fatalf("expected identical signatures, got %s and %s", first, second)
	}
	if first == "" {
		t.Fatal("expected non-empty signature")
	}
}

func TestSignSensitivity(t *testing.T) {
	secret := []byte("test-secret")
	base := Sign("accountSearch", "2026-08-30T10:00:00Z", secret)
	if Sign("accountUpdate", "2026-08-30T10:00:00Z", secret) == base {
		t.Fatal("expected different signature for different action")
	}
	if Sign("accountSearch", "2026-08-30T10:00:01Z", secret) == base {
		t.Fatal("expected different signature for different timestamp")
	}
	if Sign("accountSearch", "2026-08-30T10:00:00Z", []byte("other")) == base {
		t.Fatal("expected different signature for different secret")
	}
}

func TestTimestampFormat(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	at := time.Date(2026, 8, 30, 18, 30, 45, 123456789, loc)
	got := Timestamp(at)
	if got != "2026-08-30T10:30:45Z" {
		t.Fatalf("expected UTC second-precision timestamp, got %s", got)
	}
}
