package router

import (
	"strings"
	"unicode"
)

// Scoring constants. The lexical score covers keyword overlap and tag
// matches; adjust applies the per-descriptor routing weight and the primary
// bonus on top of either the lexical or the LLM-assisted score.
const (
	// tagBonus is added once per business tag matched verbatim.
	tagBonus = 0.2
	// primaryBonus is added when the descriptor is flagged primary.
	primaryBonus = 0.1
	// recencyBonus is added by the contextual strategy for connections
	// queried in recent turns.
	recencyBonus = 0.1
)

// lexicalScore computes keyword overlap between the question and the
// descriptor's business description plus a verbatim bonus per matched tag.
// The result is in [0,1] before weight and primary adjustments.
func lexicalScore(question string, d Descriptor) float64 {
	qTokens := tokenize(question)
	if len(qTokens) == 0 {
		return 0
	}
	qSet := make(map[string]struct{}, len(qTokens))
	for _, t := range qTokens {
		qSet[t] = struct{}{}
	}

	descTokens := tokenize(d.BusinessDescription)
	overlap := 0
	seen := make(map[string]struct{}, len(descTokens))
	for _, t := range descTokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := qSet[t]; ok {
			overlap++
		}
	}

	var score float64
	if len(seen) > 0 {
		score = float64(overlap) / float64(len(seen))
	}

	lower := strings.ToLower(question)
	for _, tag := range d.BusinessTags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && strings.Contains(lower, tag) {
			score += tagBonus
		}
	}

	return clamp(score)
}

// adjust applies routing weight and the primary bonus, clamping to [0,1].
// A zero weight descriptor keeps weight 1 so unconfigured weights do not
// zero out every score.
func adjust(raw float64, d Descriptor) float64 {
	weight := d.RoutingWeight
	if weight == 0 {
		weight = 1
	}
	score := raw * weight
	if d.Primary {
		score += primaryBonus
	}
	return clamp(score)
}

func clamp(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping words
// too short to carry meaning.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
