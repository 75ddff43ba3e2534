package pipeline

import (
	"unicode/utf8"

	"github.com/quarrylabs/quarry/internal/event"
)

// estimateTokens provides a rough token count. Rune count divided by 2 is
// a conservative estimate across both English and CJK text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// truncateHistory drops the oldest messages until the estimated token
// total fits the budget, keeping the most recent turns.
func truncateHistory(msgs []event.Message, budget int) []event.Message {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Text)
	}
	if total <= budget {
		return msgs
	}

	for i := range msgs {
		total -= estimateTokens(msgs[i].Text)
		if total <= budget {
			return msgs[i+1:]
		}
	}
	return nil
}
