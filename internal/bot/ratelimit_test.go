package bot

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(5, 60)
	now := time.Now()
	for i := 0; i < 5; i++ {
		if d := rl.take(now); d != 0 {
			t.Fatalf("token %d: delay %v inside burst", i, d)
		}
	}
	if d := rl.take(now); d <= 0 || d > time.Second {
		t.Fatalf("delay after burst = %v, want (0, 1s]", d)
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(2, 60) // one line per second
	now := time.Now()
	rl.take(now)
	rl.take(now)
	if d := rl.take(now.Add(500 * time.Millisecond)); d == 0 {
		t.Fatal("token granted before refill")
	}
	if d := rl.take(now.Add(1600 * time.Millisecond)); d != 0 {
		t.Fatalf("no token after refill, delay %v", d)
	}
	// Refill never exceeds the burst size.
	later := now.Add(time.Hour)
	rl.take(later)
	rl.take(later)
	if d := rl.take(later); d == 0 {
		t.Fatal("bucket grew past burst")
	}
}

func TestRateLimiter_WaitsAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 600) // 10/sec refill

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	if rl != nil {
		t.Fatal("zero rate should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}
