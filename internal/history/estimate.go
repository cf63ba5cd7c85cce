package history

import (
	"encoding/json"

	"github.com/haasonsaas/anvil/internal/model"
)

// messageFraming is the per-message token overhead.
const messageFraming = 4

// EstimateText returns the coarse token count of a string: one token per
// four ASCII characters (rounded up) plus one per non-ASCII character.
func EstimateText(s string) int {
	ascii, other := 0, 0
	for _, r := range s {
		if r < 128 {
			ascii++
		} else {
			other++
		}
	}
	return (ascii+3)/4 + other
}

// EstimateMessage returns the coarse token count of one message,
// including its tool payloads serialized once.
func EstimateMessage(msg model.ChatMessage) int {
	n := messageFraming + EstimateText(msg.Content)
	for _, tc := range msg.ToolCalls {
		payload, err := json.Marshal(tc)
		if err != nil {
			continue
		}
		n += EstimateText(string(payload))
	}
	return n
}

// EstimateMessages sums EstimateMessage over a context window. This
// estimator is the sole arbiter for triggering compression, so it must be
// deterministic.
func EstimateMessages(messages []model.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessage(msg)
	}
	return total
}
