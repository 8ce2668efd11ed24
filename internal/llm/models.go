package llm

import "strings"

// contextWindows maps model identifiers to their context window in tokens.
// Lookups also match on prefix after stripping a "vendor/" qualifier, so
// "anthropic/claude-3-5-haiku-20241022" and "gpt-4o-2024-08-06" resolve.
var contextWindows = map[string]int{
	"claude-opus-4":     200_000,
	"claude-sonnet-4":   200_000,
	"claude-haiku-4":    200_000,
	"claude-3-5-sonnet": 200_000,
	"claude-3-5-haiku":  200_000,
	"claude-3-haiku":    200_000,

	"gpt-4o":        128_000,
	"gpt-4o-mini":   128_000,
	"gpt-4-turbo":   128_000,
	"gpt-4":         8_192,
	"gpt-3.5-turbo": 16_385,

	"deepseek-chat":     64_000,
	"deepseek-reasoner": 64_000,

	"gemini-2.0-flash": 1_048_576,
	"gemini-1.5-flash": 1_048_576,
	"gemini-1.5-pro":   2_097_152,

	"mistral-large": 128_000,
	"mistral-small": 32_000,

	"llama-3.1-8b":  128_000,
	"llama-3.1-70b": 128_000,
	"llama-3.2-3b":  128_000,
}

// DefaultContextWindow is used for models not in the registry.
const DefaultContextWindow = 128_000

// ContextWindowForModel returns the context window for model, preferring
// the longest registry key the model name starts with.
func ContextWindowForModel(model string) int {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, ":free")

	if window, ok := contextWindows[name]; ok {
		return window
	}
	best, bestLen := 0, 0
	for key, window := range contextWindows {
		if strings.HasPrefix(name, key) && len(key) > bestLen {
			best, bestLen = window, len(key)
		}
	}
	if bestLen > 0 {
		return best
	}
	return DefaultContextWindow
}
