package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/internal/router"
)

// PromptRoute is the Dotprompt used for LLM-assisted routing scores.
const PromptRoute = "route"

// RouterScorer implements router.Scorer with a single model call that
// returns a per-connection score map. Any call or parse failure is
// returned to the router, which falls back to its lexical scorer.
type RouterScorer struct {
	client *Client
}

// NewRouterScorer creates an LLM-assisted routing scorer.
func NewRouterScorer(client *Client) *RouterScorer {
	return &RouterScorer{client: client}
}

// Score asks the model to rate every connection's relevance in [0,1].
func (s *RouterScorer) Score(ctx context.Context, question string, descriptors []router.Descriptor) (map[string]float64, error) {
	reply, err := s.client.Complete(ctx, PromptRoute, map[string]any{
		"question":    question,
		"connections": describeConnections(descriptors),
	})
	if err != nil {
		return nil, err
	}

	scores, err := parseScoreMap(reply)
	if err != nil {
		return nil, err
	}

	// Drop hallucinated IDs and clamp out-of-range scores.
	known := make(map[string]struct{}, len(descriptors))
	for _, d := range descriptors {
		known[d.ID] = struct{}{}
	}
	out := make(map[string]float64, len(scores))
	for id, score := range scores {
		if _, ok := known[id]; !ok {
			continue
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		out[id] = score
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no known connection ids in model reply")
	}
	return out, nil
}

func describeConnections(descriptors []router.Descriptor) string {
	var b strings.Builder
	for _, d := range descriptors {
		fmt.Fprintf(&b, "- %s: %s", d.ID, d.BusinessDescription)
		if len(d.BusinessTags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(d.BusinessTags, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// parseScoreMap extracts a JSON object of id -> score from the model
// reply, tolerating surrounding prose and code fences.
func parseScoreMap(reply string) (map[string]float64, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}

	var scores map[string]float64
	if err := json.Unmarshal([]byte(reply[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("parsing score map: %w", err)
	}
	return scores, nil
}
