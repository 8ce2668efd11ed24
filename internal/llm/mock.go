package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies when no provider is configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req.Messages)
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	usage := Usage{PromptTokens: prompt, CompletionTokens: len(text) / 4}.Normalize()
	return Response{Text: text, Model: req.Model, Usage: &usage}, nil
}

func buildMockReply(messages []Message) string {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			last = strings.TrimSpace(messages[i].Content)
			break
		}
	}
	if last == "" {
		last = "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", last)
}
