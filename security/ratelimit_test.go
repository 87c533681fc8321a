package security

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	t.Cleanup(rl.Stop)

	// Burst of 2 allowed
	if !rl.Allow("client-1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("client-1") {
		t.Error("second request within burst should be allowed")
	}
	if rl.Allow("client-1") {
		t.Error("third request should exceed burst")
	}

	// Independent identifier has its own bucket
	if !rl.Allow("client-2") {
		t.Error("different identifier should have its own limit")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 2, nil)
	t.Cleanup(rl.Stop)

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c") // evicts "a"

	if got := rl.Len(); got != 2 {
		t.Errorf("expected 2 tracked identifiers after eviction, got %d", got)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	t.Cleanup(rl.Stop)

	rl.Allow("idle-client")
	rl.Cleanup(0) // everything is idle relative to a zero max idle time

	// The sweep runs on wall clock; entries touched just now survive a
	// positive idle threshold.
	rl.Allow("fresh-client")
	rl.Cleanup(time.Minute)
	if got := rl.Len(); got != 1 {
		t.Errorf("expected 1 tracked identifier, got %d", got)
	}
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop() // must not panic
}

func TestRegistrationRateLimiterWindow(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(2, time.Hour, 100, nil)
	t.Cleanup(rl.Stop)

	if !rl.Allow("registrar-1") {
		t.Error("first registration should be allowed")
	}
	if !rl.Allow("registrar-1") {
		t.Error("second registration should be allowed")
	}
	if rl.Allow("registrar-1") {
		t.Error("third registration should exceed the window limit")
	}
	if !rl.Allow("registrar-2") {
		t.Error("different registrar should have its own window")
	}
}

func TestRegistrationRateLimiterDefaults(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(0, 0, -1, nil)
	t.Cleanup(rl.Stop)

	if rl.maxPerWindow != DefaultMaxRegistrationsPerHour {
		t.Errorf("maxPerWindow = %d, want default %d", rl.maxPerWindow, DefaultMaxRegistrationsPerHour)
	}
	if rl.window != DefaultRegistrationWindow {
		t.Errorf("window = %v, want default %v", rl.window, DefaultRegistrationWindow)
	}
	if rl.maxEntries != DefaultMaxRegistrationEntries {
		t.Errorf("maxEntries = %d, want default %d", rl.maxEntries, DefaultMaxRegistrationEntries)
	}
}
