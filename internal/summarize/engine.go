package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antoniostano/chatrelay/internal/memory"
	"github.com/antoniostano/chatrelay/internal/tokens"
)

// Outcome is the terminal state of one MaybeSummarize call.
type Outcome string

const (
	OutcomeNoOp       Outcome = "noop"
	OutcomeSummarized Outcome = "summarized"
	OutcomeFailed     Outcome = "failed"
)

// ErrEmptySummary is returned when the summarizer produced no text.
var ErrEmptySummary = errors.New("summarizer returned empty summary")

// Summarizer turns a run of older turns into narrative text. previous is
// the summary currently on record and is folded into the new one.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []memory.Turn) (string, error)
}

// Result carries the history and summary the caller should continue with.
// On OutcomeNoOp and OutcomeFailed they are the inputs, unchanged.
type Result struct {
	Outcome         Outcome
	History         []memory.Turn
	Summary         string
	Boundary        int
	EstimatedTokens int
	RetainedTokens  int
	Duration        time.Duration
	Err             error
}

// Engine decides whether a history needs compressing and performs it.
type Engine struct {
	summarizer Summarizer
	policy     Policy
	logger     *slog.Logger
}

func NewEngine(summarizer Summarizer, policy Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		summarizer: summarizer,
		policy:     policy.normalized(),
		logger:     logger,
	}
}

// Policy returns the engine's absolute policy.
func (e *Engine) Policy() Policy { return e.policy }

// ShouldSummarize reports whether history is over the trigger for the
// given context window and long enough to be worth compressing. The
// history is expected to already contain the incoming user turn.
func (e *Engine) ShouldSummarize(history []memory.Turn, windowTokens int) (estimated int, trigger bool) {
	p := e.policy.ForWindow(windowTokens)
	estimated = tokens.Estimate(history)
	return estimated, estimated > p.TriggerTokens && len(history) >= p.MinMessages
}

// MaybeSummarize runs one evaluate/split/summarize/merge pass. It never
// returns an error: a failed summarizer call yields OutcomeFailed with the
// original history and summary so the caller can carry on without it.
func (e *Engine) MaybeSummarize(ctx context.Context, history []memory.Turn, summary string, windowTokens int) Result {
	res := Result{Outcome: OutcomeNoOp, History: history, Summary: summary}

	estimated, trigger := e.ShouldSummarize(history, windowTokens)
	res.EstimatedTokens = estimated
	res.RetainedTokens = estimated
	if !trigger {
		return res
	}

	p := e.policy.ForWindow(windowTokens)
	k, ok := SelectBoundary(history, p)
	if !ok {
		e.logger.Debug("summarization skipped: no usable boundary", "turns", len(history), "estimated_tokens", estimated)
		return res
	}
	res.Boundary = k

	if e.summarizer == nil {
		res.Outcome = OutcomeFailed
		res.Err = errors.New("no summarizer configured")
		return res
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	text, err := e.summarizer.Summarize(callCtx, summary, history[:k])
	cancel()
	res.Duration = time.Since(start)

	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = ErrEmptySummary
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("summarize %d turns: %w", k, err)
		return res
	}

	retained := make([]memory.Turn, len(history)-k)
	copy(retained, history[k:])
	res.Outcome = OutcomeSummarized
	res.History = retained
	res.Summary = text
	res.RetainedTokens = tokens.Estimate(retained)
	return res
}
