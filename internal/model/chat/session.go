package chat

import "time"

// Status tracks where a session is in its lifecycle. The only legal
// transition is Active -> PendingDeletion; removal is the only way out of
// PendingDeletion.
type Status string

const (
	StatusActive          Status = "active"
	StatusPendingDeletion Status = "pending_deletion"
)

// Session binds a client-visible id to at most one backend conversation
// thread, with an idle-expiry clock.
type Session struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}
