package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	minSyncInterval = 1 * time.Minute
	maxSyncInterval = 720 * time.Minute
)

// autoSyncGuard ensures at most one auto-sync job runs at a time: a new tick
// while one is running is dropped rather than queued.
type autoSyncGuard struct {
	mu      sync.Mutex
	running bool
}

func (g *autoSyncGuard) tryStart() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return false
	}
	g.running = true
	return true
}

func (g *autoSyncGuard) finish() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

// Scheduler runs a single periodic timer that drives the auto-sync job: scan
// followed by sync-all. Rescheduling replaces the previous timer.
type Scheduler struct {
	orchestrator *Orchestrator

	mu       sync.Mutex
	ticker   *time.Ticker
	stopCh   chan struct{}
	interval time.Duration
	wg       sync.WaitGroup
}

// NewScheduler builds a Scheduler bound to an orchestrator. It does not start
// ticking until Reschedule is called.
func NewScheduler(orchestrator *Orchestrator) *Scheduler {
	return &Scheduler{orchestrator: orchestrator}
}

// ClampInterval bounds a requested interval to [1, 720] minutes.
func ClampInterval(d time.Duration) time.Duration {
	if d < minSyncInterval {
		return minSyncInterval
	}
	if d > maxSyncInterval {
		return maxSyncInterval
	}
	return d
}

// Reschedule replaces the current auto-sync timer with one at the given
// interval (clamped to [1, 720] minutes), starting a fresh background
// goroutine. Calling Reschedule again stops the previous timer first.
func (s *Scheduler) Reschedule(interval time.Duration) {
	interval = ClampInterval(interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		close(s.stopCh)
		s.ticker.Stop()
		s.wg.Wait()
	}

	s.interval = interval
	s.ticker = time.NewTicker(interval)
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(s.ticker, s.stopCh)

	log.Printf("scheduler: auto-sync rescheduled to run every %v", interval)
}

// Running reports whether the periodic timer is currently active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil
}

// Stop halts the periodic timer. Safe to call when never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	close(s.stopCh)
	s.ticker.Stop()
	s.wg.Wait()
	s.ticker = nil
}

func (s *Scheduler) run(ticker *time.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.orchestrator.RunAutoSync(context.Background())
		}
	}
}

// RunAutoSync runs scan followed by sync-all synchronously, single-flight: if
// a previous auto-sync instance is still running, this call is a no-op.
func (o *Orchestrator) RunAutoSync(ctx context.Context) string {
	if !o.autoSync.tryStart() {
		log.Println("auto-sync: previous run still in progress, skipping this tick")
		return ""
	}
	defer o.autoSync.finish()

	id := NewID("auto-sync")
	o.registry.Create(id, "auto-sync")
	o.registry.Start(id)

	if _, err := o.scanBody(ctx, id); err != nil {
		log.Printf("auto-sync %s: scan phase failed: %v", id, err)
	}

	detail := o.syncAllOnce(ctx, id)
	if o.applyAutoResponse {
		if err := o.markAccepted(ctx, detail.Uploaded); err != nil {
			log.Printf("auto-sync %s: failed to apply auto-response: %v", id, err)
		}
	}

	o.registry.Complete(id, "auto-sync completed", detail)
	return id
}
