package jobs

import (
	"testing"
	"time"
)

func TestClampInterval_BelowMinimum(t *testing.T) {
	if got := ClampInterval(10 * time.Second); got != minSyncInterval {
		t.Fatalf("got %v, want %v", got, minSyncInterval)
	}
}

func TestClampInterval_AboveMaximum(t *testing.T) {
	if got := ClampInterval(1000 * time.Minute); got != maxSyncInterval {
		t.Fatalf("got %v, want %v", got, maxSyncInterval)
	}
}

func TestClampInterval_WithinRange(t *testing.T) {
	if got := ClampInterval(5 * time.Minute); got != 5*time.Minute {
		t.Fatalf("got %v, want 5m", got)
	}
}

func TestAutoSyncGuard_SingleFlight(t *testing.T) {
	g := &autoSyncGuard{}
	if !g.tryStart() {
		t.Fatal("expected first tryStart to succeed")
	}
	if g.tryStart() {
		t.Fatal("expected second tryStart to fail while running")
	}
	g.finish()
	if !g.tryStart() {
		t.Fatal("expected tryStart to succeed again after finish")
	}
}

func TestScheduler_RescheduleReplacesTimer(t *testing.T) {
	s := NewScheduler(nil)
	s.Reschedule(time.Minute)
	if s.interval != time.Minute {
		t.Fatalf("interval = %v, want 1m", s.interval)
	}
	s.Reschedule(2 * time.Minute)
	if s.interval != 2*time.Minute {
		t.Fatalf("interval = %v, want 2m", s.interval)
	}
	s.Stop()
}
