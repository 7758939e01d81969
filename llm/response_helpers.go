package llm

import (
	"errors"
	"fmt"
)

// ErrNoChoice 表示响应中没有 index 0 的 choice
var ErrNoChoice = errors.New("response has no choice at index 0")

// FirstChoice returns the choice with Index 0. Reconstructed responses carry
// exactly that choice; upstream responses with several choices are searched by
// Index rather than position, since providers do not guarantee ordering.
func FirstChoice(resp *ChatResponse) (ChatChoice, error) {
	if resp == nil {
		return ChatChoice{}, fmt.Errorf("nil ChatResponse: %w", ErrNoChoice)
	}
	for _, c := range resp.Choices {
		if c.Index == 0 {
			return c, nil
		}
	}
	return ChatChoice{}, fmt.Errorf("model %q returned %d choices: %w", resp.Model, len(resp.Choices), ErrNoChoice)
}

// FinishReason returns the finish reason of choice 0, or "" if there is none.
func FinishReason(resp *ChatResponse) string {
	c, err := FirstChoice(resp)
	if err != nil {
		return ""
	}
	return c.FinishReason
}
