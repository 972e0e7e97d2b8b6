package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/oakhart/parley/internal/service/ai"
	"github.com/oakhart/parley/internal/service/session"
)

// ErrSessionInvalid rejects prompts on unknown or pending-deletion sessions.
var ErrSessionInvalid = errors.New("session invalid or expired")

// ErrBackendDisabled rejects prompts while the server runs without a
// configured conversation backend.
var ErrBackendDisabled = errors.New("conversation backend disabled")

// Emitter receives the transport events of one turn, in the exact order the
// reply stream produced them. A disconnected transport implements every
// method as a silent no-op. details is a short machine-readable failure code
// alongside the human-readable message.
type Emitter interface {
	TextCreated(sessionID string)
	TextDelta(sessionID, delta, snapshot string)
	ResponseComplete(sessionID string)
	Suggestions(sessionID string, suggestions []string)
	TurnError(sessionID, message, details string)
}

// Service runs prompt turns: it lazily binds each session to a backend
// thread, appends the prompt, and fans the streamed reply out to the
// emitter. Turns on one session are serialized; turns on different sessions
// run independently.
type Service struct {
	registry  *session.Registry
	backend   ai.Backend
	suggester ai.SuggestionGenerator

	mu    sync.Mutex
	turns map[string]*turnLock
}

type turnLock struct {
	mu   sync.Mutex
	refs int
}

// NewService wires the turn pipeline. backend may be nil, in which case every
// prompt is answered with an error event; suggester may be nil, which
// disables the quick-reply event entirely.
func NewService(registry *session.Registry, backend ai.Backend, suggester ai.SuggestionGenerator) *Service {
	return &Service{
		registry:  registry,
		backend:   backend,
		suggester: suggester,
		turns:     make(map[string]*turnLock),
	}
}

// HandleTurn processes one prompt for the session and streams the reply to
// the emitter. It blocks until the turn finishes; callers run it on its own
// goroutine per open stream.
func (s *Service) HandleTurn(ctx context.Context, sessionID, prompt string, emitter Emitter) error {
	release := s.lockTurn(sessionID)
	defer release()

	if s.backend == nil {
		emitter.TurnError(sessionID, "assistant is not configured on this server", "backend_disabled")
		return ErrBackendDisabled
	}

	// Accepting the prompt refreshes the session; a refresh failure means
	// the session is unknown or already staged for deletion.
	sess, ok := s.registry.Refresh(sessionID)
	if !ok {
		emitter.TurnError(sessionID, "session is invalid or has expired", "invalid_session")
		return ErrSessionInvalid
	}

	threadID := sess.ThreadID
	if threadID == "" {
		var err error
		threadID, err = s.bindThread(ctx, sessionID)
		if err != nil {
			emitter.TurnError(sessionID, "conversation backend is unavailable", "thread_create_failed")
			return err
		}
	}

	if err := s.backend.AppendMessage(ctx, threadID, prompt); err != nil {
		emitter.TurnError(sessionID, "failed to submit prompt, please retry", "append_failed")
		return fmt.Errorf("append message: %w", err)
	}

	stream, err := s.backend.StreamReply(ctx, threadID)
	if err != nil {
		emitter.TurnError(sessionID, "failed to start reply stream, please retry", "stream_start_failed")
		return fmt.Errorf("start reply stream: %w", err)
	}
	defer stream.Close()

	emitter.TextCreated(sessionID)

	var full strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			// An aborted stream leaves the session Active but does not
			// extend its idle timeout; only normal completion re-arms.
			emitter.TurnError(sessionID, "reply generation failed", "stream_failed")
			return fmt.Errorf("reply stream: %w", recvErr)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		full.WriteString(chunk.Content)
		emitter.TextDelta(sessionID, chunk.Content, full.String())
	}

	emitter.ResponseComplete(sessionID)

	if s.suggester != nil {
		if suggestions, sugErr := s.suggester.Generate(ctx, prompt, full.String()); sugErr != nil {
			log.Printf("[chat] suggestion generation failed for session=%s: %v", sessionID, sugErr)
		} else {
			emitter.Suggestions(sessionID, suggestions)
		}
	}

	s.registry.Refresh(sessionID)
	return nil
}

// bindThread creates the backend thread for a session's first turn. The
// per-session turn lock guarantees this runs at most once per session.
func (s *Service) bindThread(ctx context.Context, sessionID string) (string, error) {
	threadID, err := s.backend.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	if err := s.registry.BindThread(sessionID, threadID); err != nil {
		// The session vanished between refresh and bind; drop the orphan.
		if delErr := s.backend.DeleteThread(ctx, threadID); delErr != nil {
			log.Printf("[chat] failed to delete orphan thread %s: %v", threadID, delErr)
		}
		return "", fmt.Errorf("bind thread: %w", err)
	}
	return threadID, nil
}

func (s *Service) lockTurn(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.turns[sessionID]
	if !ok {
		l = &turnLock{}
		s.turns[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.turns, sessionID)
		}
		s.mu.Unlock()
	}
}
