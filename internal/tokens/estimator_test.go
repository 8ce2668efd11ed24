package tokens

import (
	"strings"
	"testing"
)

type block string

func (b block) TokenContent() string { return string(b) }

func TestTextRoundsUp(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abc", 1},
		{"abcd", 2},
		{"abcdefg", 2},
		{"abcdefgh", 3},
		{strings.Repeat("x", 2000), 572},
	}
	for _, tc := range cases {
		if got := Text(tc.in); got != tc.want {
			t.Fatalf("Text(len=%d) = %d, want %d", len(tc.in), got, tc.want)
		}
	}
}

func TestEstimateSumsBeforeRounding(t *testing.T) {
	items := []block{"abcd", "abc"}
	// 7 characters in total is exactly two tokens; rounding per item would give three.
	if got := Estimate(items); got != 2 {
		t.Fatalf("Estimate() = %d, want 2", got)
	}
}

func TestEstimateCountsRunesNotBytes(t *testing.T) {
	items := []block{"ééééééé"}
	if got := Estimate(items); got != 2 {
		t.Fatalf("Estimate() = %d, want 2", got)
	}
}

func TestEstimateLongConversation(t *testing.T) {
	turn := block(strings.Repeat("y", 2000))
	items := make([]block, 24)
	for i := range items {
		items[i] = turn
	}
	if got := Estimate(items); got != 13715 {
		t.Fatalf("Estimate(24 x 2000 chars) = %d, want 13715", got)
	}
	if got := Estimate([]block(nil)); got != 0 {
		t.Fatalf("Estimate(nil) = %d, want 0", got)
	}
}
