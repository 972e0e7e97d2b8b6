package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oakhart/parley/internal/model/chat"
)

const testIdleTimeout = 30 * time.Minute

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock()
	return NewRegistry(clock, testIdleTimeout), clock
}

// attachNopScheduler wires a scheduler whose cleanup does nothing, so
// Refresh can arm timers in registry-focused tests.
func attachNopScheduler(reg *Registry) *Scheduler {
	return NewScheduler(reg, func(context.Context, string) {}, 15*time.Minute)
}

func TestCreateAllocatesActiveSession(t *testing.T) {
	reg, clock := newTestRegistry()

	sess := reg.Create()
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if sess.Status != chat.StatusActive {
		t.Fatalf("expected active status, got %s", sess.Status)
	}
	if sess.ThreadID != "" {
		t.Fatalf("expected no thread binding, got %s", sess.ThreadID)
	}
	if !sess.LastActive.Equal(clock.Now()) {
		t.Fatalf("expected lastActive %v, got %v", clock.Now(), sess.LastActive)
	}

	other := reg.Create()
	if other.ID == sess.ID {
		t.Fatal("expected unique session ids")
	}

	got, ok := reg.Get(sess.ID)
	if !ok || got.ID != sess.ID {
		t.Fatalf("expected to get back session %s", sess.ID)
	}
}

func TestRefreshUpdatesLastActiveAndReplacesTimer(t *testing.T) {
	reg, clock := newTestRegistry()
	attachNopScheduler(reg)

	sess := reg.Create()
	clock.Advance(5 * time.Minute)

	refreshed, ok := reg.Refresh(sess.ID)
	if !ok {
		t.Fatal("expected refresh to succeed")
	}
	if !refreshed.LastActive.After(sess.LastActive) {
		t.Fatal("expected lastActive to advance")
	}
	if clock.liveTimers() != 1 {
		t.Fatalf("expected 1 live timer, got %d", clock.liveTimers())
	}

	// Replace semantics: a second refresh never leaves two live timers.
	reg.Refresh(sess.ID)
	if clock.liveTimers() != 1 {
		t.Fatalf("expected 1 live timer after second refresh, got %d", clock.liveTimers())
	}
}

func TestRefreshFailsWithoutMutation(t *testing.T) {
	reg, clock := newTestRegistry()
	attachNopScheduler(reg)

	if _, ok := reg.Refresh("missing"); ok {
		t.Fatal("expected refresh on missing session to fail")
	}

	sess := reg.Create()
	if !reg.MarkForDeletion(sess.ID) {
		t.Fatal("expected mark to succeed")
	}

	clock.Advance(time.Minute)
	if _, ok := reg.Refresh(sess.ID); ok {
		t.Fatal("expected refresh on pending-deletion session to fail")
	}

	got, _ := reg.Get(sess.ID)
	if !got.LastActive.Equal(sess.LastActive) {
		t.Fatal("expected lastActive untouched by failed refresh")
	}
	if got.Status != chat.StatusPendingDeletion {
		t.Fatalf("unexpected status %s", got.Status)
	}
}

func TestBindThreadExactlyOnce(t *testing.T) {
	reg, _ := newTestRegistry()
	sess := reg.Create()

	if err := reg.BindThread(sess.ID, "thread-1"); err != nil {
		t.Fatalf("BindThread err: %v", err)
	}
	if err := reg.BindThread(sess.ID, "thread-1"); err != nil {
		t.Fatalf("rebinding same thread should be a no-op, got %v", err)
	}
	if err := reg.BindThread(sess.ID, "thread-2"); !errors.Is(err, ErrThreadBound) {
		t.Fatalf("expected ErrThreadBound, got %v", err)
	}
	if err := reg.BindThread("missing", "thread-3"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	got, _ := reg.Get(sess.ID)
	if got.ThreadID != "thread-1" {
		t.Fatalf("expected thread-1, got %s", got.ThreadID)
	}
}

func TestMarkForDeletionTrueThenFalse(t *testing.T) {
	reg, _ := newTestRegistry()
	sess := reg.Create()

	if !reg.MarkForDeletion(sess.ID) {
		t.Fatal("expected first mark to return true")
	}
	if reg.MarkForDeletion(sess.ID) {
		t.Fatal("expected second mark to return false")
	}
	if reg.MarkForDeletion("missing") {
		t.Fatal("expected mark on missing session to return false")
	}
	if reg.IsActive(sess.ID) {
		t.Fatal("expected session no longer active")
	}
}

func TestMarkForDeletionCancelsTimer(t *testing.T) {
	reg, clock := newTestRegistry()
	attachNopScheduler(reg)

	sess := reg.Create()
	reg.Refresh(sess.ID)
	if clock.liveTimers() != 1 {
		t.Fatalf("expected armed timer, got %d", clock.liveTimers())
	}

	reg.MarkForDeletion(sess.ID)
	if clock.liveTimers() != 0 {
		t.Fatalf("expected timer cancelled on mark, got %d live", clock.liveTimers())
	}
}

func TestReleaseCleanupAllowsRetry(t *testing.T) {
	reg, _ := newTestRegistry()
	sess := reg.Create()

	if !reg.MarkForDeletion(sess.ID) {
		t.Fatal("expected first mark to succeed")
	}
	if reg.MarkForDeletion(sess.ID) {
		t.Fatal("expected mark to fail while claim held")
	}

	reg.ReleaseCleanup(sess.ID)
	if !reg.MarkForDeletion(sess.ID) {
		t.Fatal("expected mark to succeed again after release")
	}

	got, _ := reg.Get(sess.ID)
	if got.Status != chat.StatusPendingDeletion {
		t.Fatalf("expected status pending_deletion, got %s", got.Status)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	reg, clock := newTestRegistry()
	attachNopScheduler(reg)

	sess := reg.Create()
	reg.Refresh(sess.ID)

	reg.Remove(sess.ID)
	reg.Remove(sess.ID)
	reg.Remove("missing")

	if _, ok := reg.Get(sess.ID); ok {
		t.Fatal("expected session removed")
	}
	if clock.liveTimers() != 0 {
		t.Fatalf("expected timers cancelled on remove, got %d", clock.liveTimers())
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestListExpired(t *testing.T) {
	reg, clock := newTestRegistry()

	fresh := reg.Create()
	idle := reg.Create()
	pending := reg.Create()
	reg.MarkForDeletion(pending.ID)

	clock.Advance(testIdleTimeout + time.Minute)
	reg.Refresh(fresh.ID)

	ids := reg.ListExpired(clock.Now())
	want := map[string]bool{idle.ID: true, pending.ID: true}
	if len(ids) != 2 {
		t.Fatalf("expected 2 expired ids, got %d: %v", len(ids), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected expired id %s", id)
		}
	}
}

func TestMarkForDeletionConcurrentRace(t *testing.T) {
	reg, _ := newTestRegistry()

	for i := 0; i < 50; i++ {
		sess := reg.Create()

		const racers = 8
		var wg sync.WaitGroup
		results := make(chan bool, racers)
		for j := 0; j < racers; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- reg.MarkForDeletion(sess.ID)
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for won := range results {
			if won {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: expected exactly 1 winner, got %d", i, wins)
		}
	}
}
