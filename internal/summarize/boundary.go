package summarize

import (
	"github.com/antoniostano/chatrelay/internal/memory"
	"github.com/antoniostano/chatrelay/internal/tokens"
)

// SelectBoundary returns the index k such that history[:k] is summarized
// and history[k:] is kept verbatim. ok is false when no split is worth
// making.
//
// Candidates are visited from the end in steps of two so user/assistant
// pairs stay together. Among candidates whose tail falls inside the
// retain band the one closest to RetainTarget wins; the walk stops as
// soon as the tail grows past RetainMax. Without an in-band candidate the
// largest tail under RetainMax is kept, and when even the last two turns
// exceed it those two are kept anyway. The chosen k is then moved by at
// most one position so the tail starts with a user turn.
func SelectBoundary(history []memory.Turn, p Policy) (k int, ok bool) {
	p = p.normalized()
	n := len(history)
	if n < 2 {
		return 0, false
	}

	best, bestDiff := -1, 0
	largest := -1
	for cand := n - 2; cand > 0; cand -= 2 {
		tail := tokens.Estimate(history[cand:])
		if tail > p.RetainMax {
			break
		}
		largest = cand
		if tail < p.RetainMin {
			continue
		}
		diff := tail - p.RetainTarget
		if diff < 0 {
			diff = -diff
		}
		if best < 0 || diff < bestDiff {
			best, bestDiff = cand, diff
		}
	}

	k = best
	if k < 0 {
		k = largest
	}
	if k < 0 {
		k = n - 2
	}

	k, ok = alignToUser(history, k, p.RetainMax)
	if !ok || k < p.MinSummarized {
		return 0, false
	}
	return k, true
}

// alignToUser moves k so history[k] is a user turn. Growing the tail by
// one turn is preferred while it stays under maxTail; shrinking it by one
// is the alternative.
func alignToUser(history []memory.Turn, k, maxTail int) (int, bool) {
	if k <= 0 || k >= len(history) {
		return 0, false
	}
	if history[k].Role == memory.RoleUser {
		return k, true
	}
	prevUser := k-1 > 0 && history[k-1].Role == memory.RoleUser
	nextUser := k+1 < len(history) && history[k+1].Role == memory.RoleUser
	switch {
	case prevUser && tokens.Estimate(history[k-1:]) <= maxTail:
		return k - 1, true
	case nextUser:
		return k + 1, true
	case prevUser:
		return k - 1, true
	default:
		return 0, false
	}
}
