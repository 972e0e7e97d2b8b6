package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/oakhart/parley/internal/config"
	"github.com/oakhart/parley/internal/model/chat"
)

const assistantSystemPrompt = "You are a concise, helpful conversational assistant. " +
	"Answer the user's latest message using the conversation history for context."

// historyLimit caps how many stored messages are fed back to the model.
const historyLimit = 20

// Service implements Backend on the Ark chat model via an eino chain,
// keeping per-thread message history in memory.
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]

	mu      sync.RWMutex
	threads map[string][]chat.Message
}

// NewService builds the conversation backend from the Ark configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(assistantSystemPrompt),
		schema.MessagesPlaceholder("history", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
		threads:   make(map[string][]chat.Message),
	}, nil
}

// GetChatModel exposes the underlying model so sibling services (the
// suggestion generator) can reuse the same instance.
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

// CreateThread allocates an empty conversation thread.
func (s *Service) CreateThread(_ context.Context) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	s.threads[id] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return id, nil
}

// AppendMessage records one user prompt on the thread.
func (s *Service) AppendMessage(_ context.Context, threadID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}

	s.threads[threadID] = append(messages, chat.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Sender:   "user",
		Content:  text,
	})
	return nil
}

// StreamReply starts a streamed model reply for the thread's current
// history. The returned stream records the concatenated assistant message
// back onto the thread when it completes normally.
func (s *Service) StreamReply(ctx context.Context, threadID string) (ReplyStream, error) {
	s.mu.RLock()
	messages, ok := s.threads[threadID]
	history := buildHistoryMessages(messages)
	s.mu.RUnlock()

	if !ok {
		return nil, ErrThreadNotFound
	}

	stream, err := s.chain.Stream(ctx, map[string]any{"history": history})
	if err != nil {
		return nil, fmt.Errorf("failed to stream model output: %w", err)
	}

	return &replyStream{svc: s, threadID: threadID, inner: stream}, nil
}

// DeleteThread drops the thread and its history.
func (s *Service) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return ErrThreadNotFound
	}
	delete(s.threads, threadID)
	return nil
}

func (s *Service) appendAssistant(threadID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.threads[threadID]
	if !ok {
		// Thread was deleted mid-stream; the reply has nowhere to live.
		return
	}
	s.threads[threadID] = append(messages, chat.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Sender:   "assistant",
		Content:  content,
	})
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Sender {
		case "user":
			history = append(history, schema.UserMessage(msg.Content))
		case "assistant":
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}

// replyStream adapts the eino stream and persists the full assistant reply
// onto the thread once the stream drains.
type replyStream struct {
	svc      *Service
	threadID string
	inner    *schema.StreamReader[*schema.Message]
	chunks   []*schema.Message
	done     bool
}

func (r *replyStream) Recv() (*schema.Message, error) {
	msg, err := r.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.finalize()
			return nil, io.EOF
		}
		return nil, err
	}

	if msg != nil {
		r.chunks = append(r.chunks, msg)
	}
	return msg, nil
}

func (r *replyStream) Close() {
	r.inner.Close()
}

func (r *replyStream) finalize() {
	if r.done {
		return
	}
	r.done = true

	if len(r.chunks) == 0 {
		return
	}

	full, err := schema.ConcatMessages(r.chunks)
	if err != nil {
		log.Printf("[ai] failed to concat reply chunks for thread=%s: %v", r.threadID, err)
		return
	}
	r.svc.appendAssistant(r.threadID, full.Content)
}
