package llm

import (
	"github.com/pkoukk/tiktoken-go"
)

// Budget estimates prompt token counts and trims conversation history to
// fit a provider's context window, using cl100k_base as a reasonable
// approximation for every provider this package wires (OpenAI's own models
// use it directly; Anthropic and Gemini counts are close enough for a
// pre-flight budget check, never for exact billing).
type Budget struct {
	encoding   *tiktoken.Tiktoken
	maxTokens  int
	reserve    int
}

// NewBudget builds a Budget for a model with the given total context window
// (maxTokens) and a reserve held back for the completion (reserve).
func NewBudget(maxTokens, reserve int) (*Budget, error) {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		return nil, err
	}
	return &Budget{encoding: enc, maxTokens: maxTokens, reserve: reserve}, nil
}

// CountTokens returns the estimated token count of text.
func (b *Budget) CountTokens(text string) int {
	return len(b.encoding.Encode(text, nil, nil))
}

// CountMessages returns the estimated total token count across every
// message's content.
func (b *Budget) CountMessages(messages []Message) int {
	var total int
	for _, m := range messages {
		total += b.CountTokens(m.Content)
	}
	return total
}

// Available returns how many tokens remain for prompt content after
// reserving room for the completion.
func (b *Budget) Available() int {
	avail := b.maxTokens - b.reserve
	if avail < 0 {
		return 0
	}
	return avail
}

// Fit trims the oldest non-system messages from history until the
// remaining messages' estimated token count fits within Available(),
// always keeping system messages and the most recent message.
func (b *Budget) Fit(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	budget := b.Available()
	if b.CountMessages(messages) <= budget {
		return messages
	}

	var system []Message
	var rest []Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	kept := append([]Message{}, system...)
	used := b.CountMessages(kept)

	// Walk rest from most recent to oldest, keeping as many as fit.
	var tail []Message
	for i := len(rest) - 1; i >= 0; i-- {
		cost := b.CountTokens(rest[i].Content)
		if used+cost > budget && len(tail) > 0 {
			break
		}
		tail = append([]Message{rest[i]}, tail...)
		used += cost
	}

	return append(kept, tail...)
}
