// Package history assembles the model context for a turn and compresses
// it under the token budget via summarization.
package history

import (
	"fmt"
	"unicode/utf8"
)

// MiddleTruncate keeps the first head and last tail bytes of s when it
// exceeds threshold, interpolating a marker that records the omitted byte
// count. The cut points snap inward to rune boundaries so neither kept
// segment ends or begins mid-rune. Inputs at or under the threshold pass
// through unchanged. The result is a pure function of its arguments.
func MiddleTruncate(s string, threshold, head, tail int) string {
	if threshold <= 0 || len(s) <= threshold {
		return s
	}
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head+tail >= len(s) {
		return s
	}
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tailStart := len(s) - tail
	for tailStart < len(s) && !utf8.RuneStart(s[tailStart]) {
		tailStart++
	}
	omitted := tailStart - head
	return s[:head] + fmt.Sprintf("\n... [%d bytes omitted] ...\n", omitted) + s[tailStart:]
}
