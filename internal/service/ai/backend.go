package ai

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"
)

// ErrThreadNotFound reports an operation against a thread the backend no
// longer knows about. Teardown treats it as success.
var ErrThreadNotFound = errors.New("thread not found")

// Backend is the narrow surface of the conversation provider the session
// core consumes: threads are created lazily, prompts appended, replies
// streamed, and threads deleted on session teardown.
type Backend interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID, text string) error
	StreamReply(ctx context.Context, threadID string) (ReplyStream, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// ReplyStream yields the chunks of one model reply in arrival order. Recv
// returns io.EOF after the final chunk.
type ReplyStream interface {
	Recv() (*schema.Message, error)
	Close()
}

// SuggestionGenerator produces quick-reply candidates for a finished turn.
// Failures are non-fatal to the turn.
type SuggestionGenerator interface {
	Generate(ctx context.Context, prompt, reply string) ([]string, error)
}
