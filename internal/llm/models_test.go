package llm

import "testing"

func TestContextWindowForModel(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"gpt-4o", 128_000},
		{"gpt-4", 8_192},
		{"gpt-4-0613", 8_192},
		{"gpt-4o-2024-08-06", 128_000},
		{"openai/gpt-4o-mini", 128_000},
		{"anthropic/claude-3-5-haiku-20241022", 200_000},
		{"meta-llama/llama-3.2-3b-instruct:free", 128_000},
		{"mistral-small-latest", 32_000},
		{"some-unknown-model", DefaultContextWindow},
		{"", DefaultContextWindow},
	}
	for _, tc := range cases {
		if got := ContextWindowForModel(tc.model); got != tc.want {
			t.Fatalf("ContextWindowForModel(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}
