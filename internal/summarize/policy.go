// Package summarize compresses long conversation histories into a short
// narrative summary plus a verbatim tail of recent turns.
package summarize

import "time"

// Policy holds the thresholds that decide when and where to split a
// history. All token figures use the tokens package estimator.
type Policy struct {
	// TriggerTokens is the history size above which summarization runs.
	TriggerTokens int
	// MinMessages is the shortest history worth summarizing.
	MinMessages int
	// RetainMin, RetainTarget and RetainMax bound the verbatim tail.
	RetainMin    int
	RetainTarget int
	RetainMax    int
	// MinSummarized is the fewest turns worth an external call.
	MinSummarized int
	// Timeout bounds a single summarization call.
	Timeout time.Duration
}

// DefaultPolicy returns the policy tuned for a 24k-token trigger.
func DefaultPolicy() Policy {
	return Policy{
		TriggerTokens: 24_000,
		MinMessages:   10,
		RetainMin:     6_000,
		RetainTarget:  10_000,
		RetainMax:     15_000,
		MinSummarized: 4,
		Timeout:       20 * time.Second,
	}
}

// normalized fills zero fields from the defaults and repairs an
// inconsistent retain band.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.TriggerTokens <= 0 {
		p.TriggerTokens = d.TriggerTokens
	}
	if p.MinMessages <= 0 {
		p.MinMessages = d.MinMessages
	}
	if p.RetainMin <= 0 {
		p.RetainMin = d.RetainMin
	}
	if p.RetainMax <= 0 {
		p.RetainMax = d.RetainMax
	}
	if p.RetainMax < p.RetainMin {
		p.RetainMax = p.RetainMin
	}
	if p.RetainTarget < p.RetainMin || p.RetainTarget > p.RetainMax {
		p.RetainTarget = (p.RetainMin + p.RetainMax) / 2
	}
	if p.MinSummarized <= 0 {
		p.MinSummarized = d.MinSummarized
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// ForWindow returns the policy to use with a model whose context window is
// windowTokens. Small windows lower the trigger to three quarters of the
// window and scale the retain band by the same ratio. A non-positive
// window leaves the absolute policy unchanged.
func (p Policy) ForWindow(windowTokens int) Policy {
	p = p.normalized()
	if windowTokens <= 0 {
		return p
	}
	limit := windowTokens * 3 / 4
	if limit >= p.TriggerTokens {
		return p
	}
	scale := func(v int) int {
		return max(1, int(int64(v)*int64(limit)/int64(p.TriggerTokens)))
	}
	p.RetainMin = scale(p.RetainMin)
	p.RetainTarget = scale(p.RetainTarget)
	p.RetainMax = scale(p.RetainMax)
	p.TriggerTokens = max(1, limit)
	return p
}
