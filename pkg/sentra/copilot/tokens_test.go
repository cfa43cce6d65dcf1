package copilot

import (
	"strings"
	"testing"
)

func TestCountTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		model string
		min   int
		max   int
	}{
		{name: "empty", text: "", model: "gpt-4o-mini", min: 0, max: 0},
		{name: "single word", text: "hello", model: "gpt-4o-mini", min: 1, max: 1},
		{name: "english sentence", text: strings.Repeat("word ", 80), model: "gpt-4o-mini", min: 80, max: 81},
		{name: "unknown model uses cl100k", text: "hello world", model: "Qwen2.5-72B", min: 2, max: 2},
		{name: "no model", text: "hello world", model: "", min: 2, max: 2},
		// Short CJK replies run past the budget well before the rune count suggests.
		{name: "cjk", text: strings.Repeat("我们今天去公园散步吧", 90), model: "gpt-4o-mini", min: 261, max: 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := CountTokens(tt.text, tt.model)
			if got < tt.min || got > tt.max {
				t.Errorf("CountTokens() = %d, want in [%d, %d]", got, tt.min, tt.max)
			}
		})
	}
}

func TestCountTokensExceedsRatioEstimateForCJK(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("我们今天去公园散步吧", 90)
	if bpe, est := CountTokens(text, "gpt-4o-mini"), estimateTokens(text, "gpt-4o-mini"); bpe <= est {
		t.Errorf("BPE count %d should exceed the ratio estimate %d", bpe, est)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text  string
		model string
		want  int
	}{
		{"", "gpt-4o-mini", 0},
		{"abcdefg", "gpt-4o-mini", 2},
		{"abcdefghij", "claude-3-5-sonnet", 3},
		{"abcdefg", "Qwen2.5-72B", 3},
		{"你好世界", "deepseek-chat", 2},
		{"abcdefgh", "some-local-model", 2},
		{"abcdefghi", "", 3},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.text, tt.model); got != tt.want {
			t.Errorf("estimateTokens(%q, %q) = %d, want %d", tt.text, tt.model, got, tt.want)
		}
	}
}
