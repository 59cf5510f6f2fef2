package health

import (
	"errors"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping() error { return f.err }

type fakeScheduler struct{ running bool }

func (f fakeScheduler) Running() bool { return f.running }

func TestCheck_AllHealthy(t *testing.T) {
	status := Check(fakePinger{}, fakeScheduler{running: true})
	if !status.OK || status.Database != "ok" || status.Scheduler != "ok" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCheck_DatabaseDown(t *testing.T) {
	status := Check(fakePinger{err: errors.New("disk full")}, fakeScheduler{running: true})
	if status.OK {
		t.Fatal("expected OK=false when database ping fails")
	}
}

func TestCheck_SchedulerIdle(t *testing.T) {
	status := Check(fakePinger{}, nil)
	if status.Scheduler != "idle" {
		t.Fatalf("scheduler status = %q, want idle", status.Scheduler)
	}
}
