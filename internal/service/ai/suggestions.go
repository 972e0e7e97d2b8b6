package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

const suggestionCount = 3

const suggestionSystemPrompt = "You generate quick-reply suggestions for a chat UI. " +
	"Given the user's last prompt and the assistant's full reply, propose exactly three short follow-up " +
	"messages the user might plausibly send next. Each must be under ten words. " +
	"Return only a JSON array of three strings, no extra text."

const suggestionUserPrompt = "User prompt:\n{prompt}\n\nAssistant reply:\n{reply}\n\nReturn the JSON array."

// Suggester produces quick-reply candidates with the shared chat model.
type Suggester struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewSuggester compiles the suggestion chain on top of an existing model.
func NewSuggester(ctx context.Context, chatModel model.ChatModel) (*Suggester, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(suggestionSystemPrompt),
		schema.UserMessage(suggestionUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile suggestion chain: %w", err)
	}

	return &Suggester{chain: runnable}, nil
}

// Generate asks the model for exactly three quick replies. Any invoke or
// parse failure is returned to the caller, who treats it as non-fatal.
func (s *Suggester) Generate(ctx context.Context, userPrompt, reply string) ([]string, error) {
	msg, err := s.chain.Invoke(ctx, map[string]any{
		"prompt": strings.TrimSpace(userPrompt),
		"reply":  strings.TrimSpace(reply),
	})
	if err != nil {
		return nil, fmt.Errorf("suggestion invoke failed: %w", err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return nil, fmt.Errorf("suggestion model returned empty output")
	}

	return parseSuggestions(msg.Content)
}

func parseSuggestions(content string) ([]string, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json array")
	}

	var suggestions []string
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &suggestions); err != nil {
		return nil, err
	}

	if len(suggestions) != suggestionCount {
		return nil, fmt.Errorf("expected %d suggestions, got %d", suggestionCount, len(suggestions))
	}
	for i, s := range suggestions {
		suggestions[i] = strings.TrimSpace(s)
		if suggestions[i] == "" {
			return nil, fmt.Errorf("suggestion %d is empty", i)
		}
	}
	return suggestions, nil
}
