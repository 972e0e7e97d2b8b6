package session

import (
	"context"
	"errors"
	"log"

	"github.com/oakhart/parley/internal/service/ai"
)

// ThreadDeleter is the slice of the conversation backend the cleaner needs.
type ThreadDeleter interface {
	DeleteThread(ctx context.Context, threadID string) error
}

// Cleaner executes session teardown: remote thread deletion followed by
// local removal, guarded by the registry's mark-then-delete protocol so the
// timeout path, the disconnect path, and the sweep can race safely.
type Cleaner struct {
	registry *Registry
	threads  ThreadDeleter
	notify   func(sessionID string)
}

// NewCleaner builds a cleaner. threads may be nil when the server runs
// without a conversation backend; sessions never carry a thread then. notify
// is invoked once per torn-down session (the clear-chat broadcast); it may
// be nil.
func NewCleaner(registry *Registry, threads ThreadDeleter, notify func(sessionID string)) *Cleaner {
	return &Cleaner{registry: registry, threads: threads, notify: notify}
}

// Cleanup tears down one session. Safe to call repeatedly and concurrently:
// only the caller that wins MarkForDeletion proceeds to the remote delete.
// A retryable remote failure leaves the record in PendingDeletion with the
// claim released, so the next sweep tries again.
func (c *Cleaner) Cleanup(ctx context.Context, id string) {
	if !c.registry.MarkForDeletion(id) {
		return
	}

	session, ok := c.registry.Get(id)
	if !ok {
		return
	}

	if session.ThreadID != "" && c.threads != nil {
		err := c.threads.DeleteThread(ctx, session.ThreadID)
		switch {
		case err == nil:
		case errors.Is(err, ai.ErrThreadNotFound):
			// Already gone server-side; deletion is idempotent.
		default:
			log.Printf("[cleanup] thread delete failed for session=%s thread=%s, retrying on next sweep: %v",
				id, session.ThreadID, err)
			c.registry.ReleaseCleanup(id)
			return
		}
	}

	c.registry.Remove(id)
	log.Printf("[cleanup] session removed id=%s", id)
	if c.notify != nil {
		c.notify(id)
	}
}
