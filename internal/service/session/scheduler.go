package session

import (
	"context"
	"log"
	"time"

	"github.com/oakhart/parley/internal/model/chat"
)

// CleanupFunc is the single entry point both the per-session timers and the
// periodic sweep feed expired sessions through.
type CleanupFunc func(ctx context.Context, id string)

// Scheduler owns the deferred expiration callbacks. Each session has at most
// one live timer (replace semantics, enforced by the registry) and a ticker
// sweep acts as the backstop for timers lost to cancel/re-arm races.
type Scheduler struct {
	registry      *Registry
	cleanup       CleanupFunc
	sweepInterval time.Duration
}

// NewScheduler wires the scheduler to the registry. The registry's Refresh
// arms timers through this scheduler from then on.
func NewScheduler(registry *Registry, cleanup CleanupFunc, sweepInterval time.Duration) *Scheduler {
	s := &Scheduler{
		registry:      registry,
		cleanup:       cleanup,
		sweepInterval: sweepInterval,
	}
	registry.sched = s
	return s
}

// Schedule arms (or replaces) the expiration timer for an Active session.
// Used on disconnect, where cleanup is scheduled rather than immediate.
func (s *Scheduler) Schedule(id string) {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	rec, ok := s.registry.records[id]
	if !ok || rec.session.Status != chat.StatusActive {
		return
	}
	s.registry.armLocked(rec)
}

// Cancel stops any pending timer for the session without touching the rest
// of its state.
func (s *Scheduler) Cancel(id string) {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	if rec, ok := s.registry.records[id]; ok {
		s.registry.disarmLocked(rec)
	}
}

// fire runs when a timer elapses. The registry state is re-checked before
// acting: a timer surviving past Remove or Refresh must be a safe no-op. gen
// identifies the timer that fired; it only clears the record's timer slot
// when it still owns it, so a replacement armed mid-fire stays tracked.
func (s *Scheduler) fire(id string, gen uint64) {
	s.registry.mu.Lock()
	rec, ok := s.registry.records[id]
	if !ok {
		s.registry.mu.Unlock()
		return
	}
	if rec.timerGen != gen {
		// A newer timer owns the session; this callback lost a re-arm race.
		s.registry.mu.Unlock()
		return
	}
	rec.timer = nil
	if rec.session.Status == chat.StatusActive &&
		s.registry.clock.Now().Sub(rec.session.LastActive) < s.registry.idleTimeout {
		// Refreshed while the callback was in flight; the replacement timer
		// owns the session now.
		s.registry.mu.Unlock()
		return
	}
	s.registry.mu.Unlock()

	s.cleanup(context.Background(), id)
}

// Run drives the periodic sweep until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep feeds every expired or pending-deletion session through the cleanup
// path. It guarantees eventual convergence even when a per-session timer was
// lost or a remote teardown failed.
func (s *Scheduler) Sweep(ctx context.Context) {
	ids := s.registry.ListExpired(s.registry.clock.Now())
	if len(ids) == 0 {
		return
	}

	log.Printf("[session] sweep found %d session(s) due for cleanup", len(ids))
	for _, id := range ids {
		s.cleanup(ctx, id)
	}
}
