package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oakhart/parley/internal/model/chat"
)

// ErrThreadBound is returned when a session already carries a different
// thread id; the binding is set at most once and immutable after.
var ErrThreadBound = errors.New("session already bound to a thread")

// ErrSessionNotFound is returned by BindThread for unknown or non-active
// sessions.
var ErrSessionNotFound = errors.New("session not found")

type record struct {
	session chat.Session
	timer   Timer
	// timerGen identifies the currently armed timer. A fired callback
	// carrying a stale generation lost a re-arm race and must not touch
	// the record.
	timerGen uint64
	// cleaning is the cleanup claim: set by MarkForDeletion, freed by
	// ReleaseCleanup after a retryable teardown failure. It is what makes
	// racing cleanup paths mutually exclusive while keeping sweep retries
	// possible.
	cleaning bool
}

// Registry is the sole owner of session records. Every mutation goes through
// its operations under one mutex; no other component writes session state.
type Registry struct {
	mu          sync.RWMutex
	records     map[string]*record
	clock       Clock
	idleTimeout time.Duration

	// sched is back-linked by NewScheduler so Refresh can re-arm the
	// expiration timer without leaving the registry lock.
	sched *Scheduler
}

// NewRegistry builds an empty registry with the given idle timeout.
func NewRegistry(clock Clock, idleTimeout time.Duration) *Registry {
	return &Registry{
		records:     make(map[string]*record),
		clock:       clock,
		idleTimeout: idleTimeout,
	}
}

// Create allocates a fresh Active session with no thread and no timer.
func (r *Registry) Create() chat.Session {
	now := r.clock.Now()
	session := chat.Session{
		ID:         uuid.NewString(),
		Status:     chat.StatusActive,
		CreatedAt:  now,
		LastActive: now,
	}

	r.mu.Lock()
	r.records[session.ID] = &record{session: session}
	r.mu.Unlock()

	return session
}

// Get returns a copy of the session record, if present.
func (r *Registry) Get(id string) (chat.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return chat.Session{}, false
	}
	return rec.session, true
}

// IsActive reports whether the session exists and is still serving.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return ok && rec.session.Status == chat.StatusActive
}

// Refresh updates LastActive and replaces the expiration timer. It is the
// single choke point that both keeps a session alive and re-arms its own
// expiry. Fails without mutation for unknown or pending-deletion sessions.
func (r *Registry) Refresh(id string) (chat.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.session.Status != chat.StatusActive {
		return chat.Session{}, false
	}

	rec.session.LastActive = r.clock.Now()
	r.armLocked(rec)
	return rec.session, true
}

// BindThread stores the backend thread id on the session, exactly once.
func (r *Registry) BindThread(id, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.session.Status != chat.StatusActive {
		return ErrSessionNotFound
	}
	if rec.session.ThreadID != "" {
		if rec.session.ThreadID == threadID {
			return nil
		}
		return ErrThreadBound
	}

	rec.session.ThreadID = threadID
	return nil
}

// MarkForDeletion transitions the session out of Active and acquires the
// cleanup claim. Exactly one of any number of racing callers sees true and
// may proceed to remote teardown; the rest back off. A PendingDeletion
// record whose claim was released (failed teardown) yields true again so the
// sweep can retry.
func (r *Registry) MarkForDeletion(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	if rec.cleaning {
		return false
	}

	if rec.session.Status == chat.StatusActive {
		rec.session.Status = chat.StatusPendingDeletion
		// A pending-deletion session must never have a live timer, or a
		// late fire would trigger a duplicate cleanup.
		r.disarmLocked(rec)
	}
	rec.cleaning = true
	return true
}

// ReleaseCleanup frees the cleanup claim while keeping the record in
// PendingDeletion, so the next sweep retries the teardown.
func (r *Registry) ReleaseCleanup(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.cleaning = false
	}
}

// Remove cancels any timer and deletes the record. Removing an absent id is
// a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return
	}
	r.disarmLocked(rec)
	delete(r.records, id)
}

// ListExpired returns the ids the sweep should feed through cleanup: every
// PendingDeletion record plus every Active record idle past the timeout.
func (r *Registry) ListExpired(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, rec := range r.records {
		switch rec.session.Status {
		case chat.StatusPendingDeletion:
			ids = append(ids, id)
		case chat.StatusActive:
			if now.Sub(rec.session.LastActive) > r.idleTimeout {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// armLocked replaces the record's expiration timer. Replace semantics: the
// previous timer is always stopped first, so a session never has two live
// timers. Caller holds r.mu.
func (r *Registry) armLocked(rec *record) {
	r.disarmLocked(rec)
	if r.sched == nil {
		return
	}
	id := rec.session.ID
	rec.timerGen++
	gen := rec.timerGen
	rec.timer = r.clock.AfterFunc(r.idleTimeout, func() {
		r.sched.fire(id, gen)
	})
}

func (r *Registry) disarmLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
}

// hasTimer is a test hook; exported behavior is covered by fire/sweep paths.
func (r *Registry) hasTimer(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return ok && rec.timer != nil
}
