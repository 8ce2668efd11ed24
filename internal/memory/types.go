package memory

import (
	"context"
	"errors"
	"time"
)

// Role tags a stored conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role may be stored in a conversation history.
// System prompts are injected at prompt-build time and never stored.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var (
	ErrNotFound     = errors.New("context not found")
	ErrStaleVersion = errors.New("context version is stale")
)

// Turn is a single user or assistant message.
type Turn struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// TokenContent implements tokens.Content.
func (t Turn) TokenContent() string { return t.Content }

// UserContext is the conversation state kept for one user key.
//
// History holds the unsummarized tail of the conversation in insertion
// order. Summary is the narrative compression of everything older than
// History; it is empty until the first summarization. TokenUsage is a
// cached figure and can always be recomputed from Summary and History.
type UserContext struct {
	UserID       string    `json:"user_id"`
	History      []Turn    `json:"conversation_history"`
	Summary      string    `json:"summary,omitempty"`
	TokenUsage   int       `json:"token_usage"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Clone returns a deep copy so callers never share the History backing array.
func (c UserContext) Clone() UserContext {
	out := c
	if c.History != nil {
		out.History = make([]Turn, len(c.History))
		copy(out.History, c.History)
	}
	return out
}

// Store persists user contexts.
//
// Save has upsert semantics and replaces the full row. Implementations
// reject a row whose Version is not greater than the stored one with
// ErrStaleVersion. SweepExpired must be safe to call concurrently with
// Load and Save.
type Store interface {
	Load(ctx context.Context, userID string) (UserContext, error)
	Save(ctx context.Context, uc UserContext) error
	Delete(ctx context.Context, userID string) (bool, error)
	SweepExpired(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

// Counter is implemented by stores that can report how many rows they hold.
type Counter interface {
	Count(ctx context.Context) (int, error)
}
