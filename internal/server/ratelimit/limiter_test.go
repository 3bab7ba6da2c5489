package ratelimit

import (
	"testing"
)

func TestLimiter_AllowWithinBurst(t *testing.T) {
	l := NewLimiter(Config{
		GlobalRPS:      100,
		GlobalBurst:    10,
		StateTypeRPS:   100,
		StateTypeBurst: 5,
	})

	for i := 0; i < 5; i++ {
		if !l.Allow("session") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if l.Allow("session") {
		t.Error("request beyond state type burst allowed")
	}
}

func TestLimiter_PerStateTypeIsolation(t *testing.T) {
	l := NewLimiter(Config{
		GlobalRPS:      1000,
		GlobalBurst:    100,
		StateTypeRPS:   1,
		StateTypeBurst: 1,
	})

	if !l.Allow("session") {
		t.Fatal("first session request denied")
	}
	if l.Allow("session") {
		t.Error("second session request allowed beyond burst")
	}
	// Exhausting the session bucket leaves other state types untouched.
	if !l.Allow("workflow") {
		t.Error("workflow request denied after session exhaustion")
	}
}

func TestLimiter_GlobalBucketCaps(t *testing.T) {
	l := NewLimiter(Config{
		GlobalRPS:      1,
		GlobalBurst:    2,
		StateTypeRPS:   1000,
		StateTypeBurst: 1000,
	})

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("session") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want 2 (global burst)", allowed)
	}
}

func TestLimiter_SetLimit(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	l.SetLimit("system", 1, 1)

	if !l.Allow("system") {
		t.Fatal("first system request denied")
	}
	if l.Allow("system") {
		t.Error("override burst not applied")
	}
}
