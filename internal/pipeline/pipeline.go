// Package pipeline runs a chat turn end to end: record the user message,
// compress the history when it grows too large, call the chat model and
// record its reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/chatrelay/internal/contextcache"
	"github.com/antoniostano/chatrelay/internal/llm"
	"github.com/antoniostano/chatrelay/internal/memory"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/summarize"
	"github.com/antoniostano/chatrelay/internal/tokens"
)

const (
	DefaultChatTimeout  = 30 * time.Second
	DefaultSystemPrompt = "You are a helpful assistant."
)

// GenerationParams are passed through to the chat model. ContextWindow
// overrides the window looked up from the model name.
type GenerationParams struct {
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	ContextWindow int
}

type TurnRequest struct {
	UserID       string
	Message      string
	Model        string
	SystemPrompt string
	Params       GenerationParams
}

// Usage is the token usage of one turn. Estimated is set when the
// provider did not report usage and the figures come from the estimator.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

type TurnResult struct {
	TurnID        string            `json:"turn_id"`
	Reply         string            `json:"reply"`
	Model         string            `json:"model"`
	Usage         Usage             `json:"usage"`
	Summarization summarize.Outcome `json:"summarization"`
}

// ContextSnapshot is a read-only view of a user's context. The timestamps
// are nil when the user has no context.
type ContextSnapshot struct {
	UserID          string        `json:"user_id"`
	Exists          bool          `json:"exists"`
	History         []memory.Turn `json:"conversation_history"`
	Summary         string        `json:"summary,omitempty"`
	TokenUsage      int           `json:"token_usage"`
	EstimatedTokens int           `json:"estimated_tokens"`
	Version         int64         `json:"version"`
	CreatedAt       *time.Time    `json:"created_at,omitempty"`
	UpdatedAt       *time.Time    `json:"updated_at,omitempty"`
	LastActivity    *time.Time    `json:"last_activity,omitempty"`
}

type Options struct {
	DefaultModel        string
	DefaultSystemPrompt string
	ChatTimeout         time.Duration
	Logger              *slog.Logger
	Metrics             *observability.Metrics
	Stages              *observability.StageWindow
}

type Pipeline struct {
	cache   *contextcache.Cache
	engine  *summarize.Engine
	chat    llm.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	stages  *observability.StageWindow

	defaultModel  string
	defaultSystem string
	chatTimeout   time.Duration
}

func New(cache *contextcache.Cache, engine *summarize.Engine, chat llm.Client, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = DefaultChatTimeout
	}
	if strings.TrimSpace(opts.DefaultSystemPrompt) == "" {
		opts.DefaultSystemPrompt = DefaultSystemPrompt
	}
	return &Pipeline{
		cache:         cache,
		engine:        engine,
		chat:          chat,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		stages:        opts.Stages,
		defaultModel:  strings.TrimSpace(opts.DefaultModel),
		defaultSystem: opts.DefaultSystemPrompt,
		chatTimeout:   opts.ChatTimeout,
	}
}

// ProcessTurn records req.Message, summarizes the history if needed,
// asks the chat model for a reply and records it.
//
// Turns for the same user are serialized. On an upstream failure the
// user turn stays recorded and no assistant turn is added; retrying the
// same message reuses that turn instead of recording it again.
func (p *Pipeline) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if strings.TrimSpace(req.Message) == "" {
		p.countTurn("empty_message")
		return TurnResult{}, ErrEmptyMessage
	}
	if userID == "" {
		return TurnResult{}, ErrMissingUser
	}

	unlock := p.cache.Lock(userID)
	defer unlock()

	start := time.Now()
	turnID := uuid.NewString()
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	systemPrompt := req.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = p.defaultSystem
	}
	logger := p.logger.With("user_id", userID, "turn_id", turnID)

	stageStart := time.Now()
	uc := p.cache.GetOrCreate(ctx, userID)
	if pendingRetry(uc.History, req.Message) {
		logger.Debug("reusing unanswered user turn")
	} else {
		var err error
		uc, err = p.cache.AppendTurn(ctx, userID, memory.RoleUser, req.Message)
		if err != nil {
			// Only validation can fail here and the message was checked above.
			return TurnResult{}, fmt.Errorf("record user turn: %w", err)
		}
	}
	p.stages.Observe(observability.StageLoad, time.Since(stageStart))

	window := req.Params.ContextWindow
	if window <= 0 {
		window = llm.ContextWindowForModel(model)
	}
	history, summary, outcome := p.maybeSummarize(ctx, logger, uc, window)

	stageStart = time.Now()
	messages := BuildPrompt(systemPrompt, summary, history, req.Message)
	callCtx, cancel := context.WithTimeout(ctx, p.chatTimeout)
	resp, err := p.chat.Complete(callCtx, llm.Request{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
	})
	cancel()
	p.stages.Observe(observability.StageUpstream, time.Since(stageStart))
	if err != nil {
		err = p.classify(ctx, err)
		logger.Warn("chat completion failed", "model", model, "error", err)
		return TurnResult{}, err
	}

	stageStart = time.Now()
	if _, err := p.cache.AppendTurn(ctx, userID, memory.RoleAssistant, resp.Text); err != nil {
		p.countTurn("upstream_error")
		return TurnResult{}, &UpstreamError{Err: fmt.Errorf("%w: %v", llm.ErrMalformedResponse, err)}
	}
	usage := p.usageFor(resp, messages)
	total := usage.TotalTokens
	p.cache.Update(ctx, userID, contextcache.Patch{TokenUsage: &total})
	p.stages.Observe(observability.StagePersist, time.Since(stageStart))

	elapsed := time.Since(start)
	p.stages.Observe(observability.StageTurn, elapsed)
	p.countTurn("ok")
	if p.metrics != nil {
		p.metrics.ObserveTurnLatency(elapsed)
	}

	replyModel := resp.Model
	if replyModel == "" {
		replyModel = model
	}
	logger.Debug("chat turn complete", "model", replyModel, "summarization", outcome, "total_tokens", total, "elapsed_ms", elapsed.Milliseconds())
	return TurnResult{
		TurnID:        turnID,
		Reply:         resp.Text,
		Model:         replyModel,
		Usage:         usage,
		Summarization: outcome,
	}, nil
}

// pendingRetry reports whether history ends with an unanswered user turn
// carrying message, which is the case when a turn is retried after an
// upstream failure.
func pendingRetry(history []memory.Turn, message string) bool {
	n := len(history)
	if n == 0 {
		return false
	}
	last := history[n-1]
	return last.Role == memory.RoleUser && strings.TrimSpace(last.Content) == strings.TrimSpace(message)
}

// maybeSummarize runs one summarization pass and stores its result. A failed
// pass is logged and the unsummarized history is used.
func (p *Pipeline) maybeSummarize(ctx context.Context, logger *slog.Logger, uc memory.UserContext, window int) ([]memory.Turn, string, summarize.Outcome) {
	if p.engine == nil {
		return uc.History, uc.Summary, summarize.OutcomeNoOp
	}
	res := p.engine.MaybeSummarize(ctx, uc.History, uc.Summary, window)
	if res.Outcome != summarize.OutcomeNoOp {
		p.stages.Observe(observability.StageSummarize, res.Duration)
		p.stages.Count("summarization_" + string(res.Outcome))
		if p.metrics != nil {
			p.metrics.Summarizations.WithLabelValues(string(res.Outcome)).Inc()
			p.metrics.ObserveSummaryLatency(res.Duration)
		}
	}

	switch res.Outcome {
	case summarize.OutcomeSummarized:
		usage := tokens.Text(res.Summary) + res.RetainedTokens
		p.cache.Update(ctx, uc.UserID, contextcache.Patch{
			History:    &res.History,
			Summary:    &res.Summary,
			TokenUsage: &usage,
		})
		logger.Info("conversation summarized",
			"summarized_turns", res.Boundary,
			"retained_turns", len(res.History),
			"estimated_tokens", res.EstimatedTokens,
			"retained_tokens", res.RetainedTokens,
		)
	case summarize.OutcomeFailed:
		logger.Warn("summarization failed, continuing with full history",
			"turns", len(uc.History),
			"estimated_tokens", res.EstimatedTokens,
			"error", res.Err,
		)
	}
	return res.History, res.Summary, res.Outcome
}

func (p *Pipeline) classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		p.countTurn("canceled")
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		p.countTurn("timeout")
		p.providerError("timeout", 0)
		return fmt.Errorf("%w after %s: %v", ErrTimeout, p.chatTimeout, err)
	case llm.IsCredentialError(err):
		p.countTurn("invalid_credentials")
		p.providerError("credentials", llm.StatusCode(err))
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	default:
		code := llm.StatusCode(err)
		p.countTurn("upstream_error")
		p.providerError("upstream", code)
		return &UpstreamError{StatusCode: code, Err: err}
	}
}

func (p *Pipeline) usageFor(resp llm.Response, prompt []llm.Message) Usage {
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		return Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	promptTokens := 0
	for _, m := range prompt {
		promptTokens += tokens.Text(m.Content)
	}
	completion := tokens.Text(resp.Text)
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completion,
		TotalTokens:      promptTokens + completion,
		Estimated:        true,
	}
}

// ClearContext empties the user's history and summary.
func (p *Pipeline) ClearContext(ctx context.Context, userID string) (ContextSnapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ContextSnapshot{}, ErrMissingUser
	}
	unlock := p.cache.Lock(userID)
	defer unlock()
	uc := p.cache.Clear(ctx, userID)
	p.contextEvent("cleared")
	return snapshotOf(uc), nil
}

// DeleteContext removes the user's context entirely. It reports whether
// one existed.
func (p *Pipeline) DeleteContext(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrMissingUser
	}
	unlock := p.cache.Lock(userID)
	defer unlock()
	existed := p.cache.Delete(ctx, userID)
	if existed {
		p.contextEvent("deleted")
	}
	return existed, nil
}

// ContextSnapshot returns the user's context without creating one.
func (p *Pipeline) ContextSnapshot(ctx context.Context, userID string) (ContextSnapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ContextSnapshot{}, ErrMissingUser
	}
	uc, ok := p.cache.Peek(ctx, userID)
	if !ok {
		return ContextSnapshot{UserID: userID, History: []memory.Turn{}}, nil
	}
	return snapshotOf(uc), nil
}

func (p *Pipeline) CacheStats(ctx context.Context) contextcache.Stats {
	return p.cache.Stats(ctx)
}

func snapshotOf(uc memory.UserContext) ContextSnapshot {
	history := uc.History
	if history == nil {
		history = []memory.Turn{}
	}
	return ContextSnapshot{
		UserID:          uc.UserID,
		Exists:          true,
		History:         history,
		Summary:         uc.Summary,
		TokenUsage:      uc.TokenUsage,
		EstimatedTokens: contextcache.EstimateUsage(uc),
		Version:         uc.Version,
		CreatedAt:       timeRef(uc.CreatedAt),
		UpdatedAt:       timeRef(uc.UpdatedAt),
		LastActivity:    timeRef(uc.LastActivity),
	}
}

func timeRef(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *Pipeline) countTurn(outcome string) {
	if p.metrics != nil {
		p.metrics.ChatTurns.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) providerError(kind string, code int) {
	if p.metrics != nil {
		p.metrics.ProviderErrors.WithLabelValues(kind, strconv.Itoa(code)).Inc()
	}
}

func (p *Pipeline) contextEvent(event string) {
	if p.metrics != nil {
		p.metrics.ContextEvents.WithLabelValues(event).Inc()
	}
}
