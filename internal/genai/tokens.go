package genai

import (
	"log/slog"

	"github.com/tiktoken-go/tokenizer"
)

// tokenBudget trims conversation history to a prompt token limit.
// Counts use cl100k as an approximation for every provider.
type tokenBudget struct {
	limit int
	codec tokenizer.Codec
}

func newTokenBudget(limit int) *tokenBudget {
	if limit <= 0 {
		return &tokenBudget{}
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		slog.Warn("newTokenBudget: tokenizer unavailable, history will not be trimmed", "error", err)
		return &tokenBudget{}
	}
	return &tokenBudget{limit: limit, codec: codec}
}

// Count returns the token count of text, or a length-based estimate without a codec.
func (b *tokenBudget) Count(text string) int {
	if b.codec == nil {
		return len(text) / 4
	}
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// Trim drops the oldest entries until the remainder fits the limit. The newest
// entry is always kept.
func (b *tokenBudget) Trim(history []string) []string {
	if b == nil || b.limit <= 0 || len(history) == 0 {
		return history
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += b.Count(history[i])
		if total > b.limit && i < len(history)-1 {
			break
		}
		start = i
	}
	return history[start:]
}
