package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antoniostano/chatrelay/internal/llm"
	"github.com/antoniostano/chatrelay/internal/memory"
	"github.com/antoniostano/chatrelay/internal/policy"
)

const systemPrompt = `You compress chat transcripts for a conversational assistant.
Write a concise third-person summary of the conversation below so the assistant can continue it without the original messages.
Keep names, numbers, dates, decisions, open questions and user preferences. Drop greetings and filler.
If an earlier summary is given, merge it with the new messages into one summary; do not drop facts from it.
Reply with the summary text only.`

const defaultSummaryMaxTokens = 800

// DefaultModels is the summarization priority list: small, fast models first.
var DefaultModels = []string{
	"meta-llama/llama-3.2-3b-instruct:free",
	"google/gemini-2.0-flash-exp:free",
	"gpt-4o-mini",
}

// LLMSummarizerOptions configures an LLMSummarizer.
type LLMSummarizerOptions struct {
	Models    []string
	MaxTokens int
	RedactPII bool
	Logger    *slog.Logger
}

// LLMSummarizer asks a chat-completion model for the summary, walking the
// model list until one answers.
type LLMSummarizer struct {
	client    llm.Client
	models    []string
	maxTokens int
	redact    bool
	logger    *slog.Logger
}

func NewLLMSummarizer(client llm.Client, opts LLMSummarizerOptions) *LLMSummarizer {
	models := make([]string, 0, len(opts.Models))
	for _, m := range opts.Models {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	if len(models) == 0 {
		models = append(models, DefaultModels...)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultSummaryMaxTokens
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LLMSummarizer{
		client:    client,
		models:    models,
		maxTokens: opts.MaxTokens,
		redact:    opts.RedactPII,
		logger:    opts.Logger,
	}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, previous string, turns []memory.Turn) (string, error) {
	transcript := RenderTranscript(previous, turns)
	if s.redact {
		if r := policy.RedactTranscript(transcript); r.Changed() {
			transcript = r.Text
			s.logger.Info("redacted summary transcript",
				"emails", r.Counts[policy.ClassEmail],
				"cards", r.Counts[policy.ClassCard],
				"phones", r.Counts[policy.ClassPhone],
			)
		}
	}

	temperature := 0.2
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: transcript},
	}

	var errs []error
	for _, model := range s.models {
		resp, err := s.client.Complete(ctx, llm.Request{
			Model:       model,
			Messages:    messages,
			MaxTokens:   s.maxTokens,
			Temperature: &temperature,
		})
		if err == nil && strings.TrimSpace(resp.Text) != "" {
			return strings.TrimSpace(resp.Text), nil
		}
		if err == nil {
			err = ErrEmptySummary
		}
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
		s.logger.Debug("summary model failed", "model", model, "error", err)
		if ctx.Err() != nil || llm.IsCredentialError(err) {
			break
		}
	}
	return "", errors.Join(errs...)
}

// RenderTranscript formats turns as "[role] content" lines, preceded by
// the earlier summary when there is one.
func RenderTranscript(previous string, turns []memory.Turn) string {
	var b strings.Builder
	if previous = strings.TrimSpace(previous); previous != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for _, t := range turns {
		b.WriteString("[")
		b.WriteString(string(t.Role))
		b.WriteString("] ")
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n")
	}
	return b.String()
}
