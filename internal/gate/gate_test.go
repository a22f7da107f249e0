package gate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGate_CounterTracksInFlight(t *testing.T) {
	g := New()
	g.Begin()
	g.Begin()
	if g.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", g.InFlight())
	}
	g.Done()
	g.Done()
	if g.InFlight() != 0 {
		t.Fatalf("expected 0 in flight, got %d", g.InFlight())
	}
}

func TestGate_DoneWithoutBeginPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New().Done()
}

func TestGate_ExclusiveImmediateWhenIdle(t *testing.T) {
	g := New()
	release, err := g.Exclusive(context.Background())
	if err != nil {
		t.Fatalf("exclusive: %v", err)
	}
	release()
	release() // idempotent
	if err := g.Barrier(context.Background()); err != nil {
		t.Fatalf("barrier after release: %v", err)
	}
}

func TestGate_ExclusiveWaitsForDrain(t *testing.T) {
	g := New()
	g.Begin()

	acquired := make(chan func())
	go func() {
		release, err := g.Exclusive(context.Background())
		if err != nil {
			t.Errorf("exclusive: %v", err)
			return
		}
		acquired <- release
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive section proceeded while an exec was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	g.Done()

	select {
	case release := <-acquired:
		release()
	case <-time.After(time.Second):
		t.Fatal("exclusive section did not proceed after drain")
	}
}

func TestGate_BarrierBlocksDuringExclusive(t *testing.T) {
	g := New()
	release, err := g.Exclusive(context.Background())
	if err != nil {
		t.Fatalf("exclusive: %v", err)
	}

	passed := make(chan struct{})
	go func() {
		g.Barrier(context.Background())
		close(passed)
	}()

	select {
	case <-passed:
		t.Fatal("barrier passed while exclusive section held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-passed:
	case <-time.After(time.Second):
		t.Fatal("barrier did not pass after release")
	}
}

func TestGate_ExclusiveSectionsDoNotOverlap(t *testing.T) {
	g := New()
	first, err := g.Exclusive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Exclusive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second exclusive should block, got %v", err)
	}
	first()
}

func TestGate_ExclusiveCancelledWhileDraining(t *testing.T) {
	g := New()
	g.Begin()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := g.Exclusive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// the lock must have been given back
	if err := g.Barrier(context.Background()); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	g.Done()
}

func TestGate_ReleaseDoesNotTouchCounter(t *testing.T) {
	g := New()
	release, _ := g.Exclusive(context.Background())
	g.Begin()
	release()
	if g.InFlight() != 1 {
		t.Fatalf("release changed the counter: %d", g.InFlight())
	}
	g.Done()
}
