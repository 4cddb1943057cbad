package vision

import (
	"context"
	"testing"
	"time"
)

func TestNewLimiter_Burst(t *testing.T) {
	l := NewLimiter(60, 6)
	for i := 0; i < 6; i++ {
		if !l.Allow() {
			t.Fatalf("burst token %d refused", i)
		}
	}
	if l.Allow() {
		t.Error("seventh call should wait for a refill")
	}
}

func TestNewLimiter_DefaultBurstCoversOneImage(t *testing.T) {
	if l := NewLimiter(60, 0); l.Burst() != len(Detectors()) {
		t.Errorf("burst = %d, want %d", l.Burst(), len(Detectors()))
	}
}

func TestNewLimiter_WaitsAfterBurst(t *testing.T) {
	l := NewLimiter(600, 1) // one token every 100ms

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestNewLimiter_CancelledContext(t *testing.T) {
	l := NewLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNewLimiter_ZeroRateIsUnlimited(t *testing.T) {
	if l := NewLimiter(0, 1); l != nil {
		t.Fatal("expected nil limiter for zero rate")
	}
}
