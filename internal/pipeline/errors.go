package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrMissingUser        = errors.New("user id is required")
	ErrInvalidCredentials = errors.New("chat provider rejected credentials")
	ErrTimeout            = errors.New("chat provider timed out")
)

// UpstreamError reports a failed chat-completion call. The user's turn is
// already recorded when it is returned, so the caller may retry the same
// message without resending history.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("chat provider failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chat provider failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable is always true: the failure may be transient and resending
// the same message is safe.
func (e *UpstreamError) Retryable() bool { return true }
