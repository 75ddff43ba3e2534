// Package router scores and selects database connections relevant to a
// question. Scoring is pure: given the same question, descriptors, and
// signals, the decision is identical across invocations.
package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// Strategy selects how many of the qualifying connections are returned.
type Strategy string

const (
	// StrategySingleBest returns the top entry iff it meets the threshold.
	StrategySingleBest Strategy = "single_best"
	// StrategyTopN returns up to N entries meeting the threshold.
	StrategyTopN Strategy = "top_n"
	// StrategyAllQualified returns every entry meeting the threshold.
	StrategyAllQualified Strategy = "all_qualified"
	// StrategyContextual is AllQualified with a bonus for connections
	// queried in recent turns.
	StrategyContextual Strategy = "contextual"
	// StrategyManual bypasses scoring and returns the connection the user
	// named explicitly, iff it is enabled.
	StrategyManual Strategy = "manual"
)

// Fallback is the policy applied when the strategy yields no connections.
type Fallback string

const (
	// FallbackNone keeps the empty result.
	FallbackNone Fallback = "none"
	// FallbackPrimary returns the primary descriptor with its score forced
	// up to the threshold.
	FallbackPrimary Fallback = "primary"
	// FallbackAny returns the single highest-scoring descriptor regardless
	// of threshold.
	FallbackAny Fallback = "any"
)

// Descriptor describes one candidate database connection. Descriptors are
// loaded from configuration once per run and never mutated.
type Descriptor struct {
	ID                  string   `mapstructure:"id"`
	Name                string   `mapstructure:"name"`
	DSN                 string   `mapstructure:"dsn" json:"-"` // never serialized
	BusinessDescription string   `mapstructure:"business_description"`
	BusinessTags        []string `mapstructure:"business_tags"`
	Priority            int      `mapstructure:"priority"`
	RoutingWeight       float64  `mapstructure:"routing_weight"`
	Primary             bool     `mapstructure:"primary"`
	Enabled             bool     `mapstructure:"enabled"`
	ReadOnly            bool     `mapstructure:"read_only"`
	AllowedTables       []string `mapstructure:"allowed_tables"`
	ForbiddenTables     []string `mapstructure:"forbidden_tables"`
	ForbiddenColumns    []string `mapstructure:"forbidden_columns"`
}

// Selection is one selected connection with its score.
type Selection struct {
	ConnectionID string  `json:"connectionId"`
	Score        float64 `json:"score"`
}

// Decision is the routing outcome for one question. When FellBack is true
// the selection holds at most one entry and scores below the threshold are
// permitted.
type Decision struct {
	Selected []Selection `json:"selected"`
	Strategy Strategy    `json:"strategy"`
	FellBack bool        `json:"fellBack"`
}

// Signals are the per-turn inputs the contextual and manual strategies read.
// They are captured from the turn context by the caller so the router itself
// stays free of pipeline state.
type Signals struct {
	// ManualConnection is the connection the user named explicitly.
	ManualConnection string
	// RecentConnections are connections queried in previous turns.
	RecentConnections []string
}

// Scorer produces a per-connection score map for a question. Implemented by
// the LLM-assisted scorer; a nil or failing Scorer falls back to the
// built-in lexical scorer.
type Scorer interface {
	Score(ctx context.Context, question string, descriptors []Descriptor) (map[string]float64, error)
}

// Config configures the router.
type Config struct {
	Strategy  Strategy
	Fallback  Fallback
	Threshold float64
	TopN      int // used by StrategyTopN; values < 1 mean 1
}

// Router selects database connections for a question.
type Router struct {
	cfg    Config
	scorer Scorer // optional LLM-assisted path
	logger *slog.Logger
}

// New creates a router. scorer may be nil to use lexical scoring only;
// logger may be nil.
func New(cfg Config, scorer Scorer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySingleBest
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackNone
	}
	if cfg.TopN < 1 {
		cfg.TopN = 1
	}
	return &Router{cfg: cfg, scorer: scorer, logger: logger}
}

// scored pairs a descriptor with its computed score.
type scored struct {
	desc  Descriptor
	score float64
}

// Route scores all enabled descriptors and applies the configured strategy
// and fallback. Disabled descriptors never appear in the decision, not even
// through fallback.
func (r *Router) Route(ctx context.Context, question string, descriptors []Descriptor, sig Signals) Decision {
	enabled := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}

	decision := Decision{Strategy: r.cfg.Strategy}
	if len(enabled) == 0 {
		return decision
	}

	if r.cfg.Strategy == StrategyManual {
		decision.Selected = r.manual(enabled, sig)
		if len(decision.Selected) > 0 {
			return decision
		}
		// The named connection is unknown or disabled; score the rest and
		// let the fallback policy decide, like any other empty result.
		list := r.scoreAll(ctx, question, enabled)
		sortScored(list)
		if fb, ok := r.fallback(list); ok {
			decision.Selected = []Selection{fb}
			decision.FellBack = true
		}
		return decision
	}

	list := r.scoreAll(ctx, question, enabled)
	if r.cfg.Strategy == StrategyContextual {
		applyRecencyBonus(list, sig.RecentConnections)
	}
	sortScored(list)

	decision.Selected = r.apply(list)
	if len(decision.Selected) == 0 {
		if fb, ok := r.fallback(list); ok {
			decision.Selected = []Selection{fb}
			decision.FellBack = true
		}
	}
	return decision
}

// scoreAll uses the LLM-assisted scorer when configured, replacing the
// lexical score per descriptor; parse or call failure falls back to lexical
// for the whole batch.
func (r *Router) scoreAll(ctx context.Context, question string, descs []Descriptor) []scored {
	var llmScores map[string]float64
	if r.scorer != nil {
		scores, err := r.scorer.Score(ctx, question, descs)
		if err != nil {
			r.logger.Debug("llm routing scores unavailable, using lexical scorer", "error", err)
		} else {
			llmScores = scores
		}
	}

	list := make([]scored, 0, len(descs))
	for _, d := range descs {
		var s float64
		if llmScores != nil {
			raw, ok := llmScores[d.ID]
			if !ok {
				raw = lexicalScore(question, d)
			}
			s = adjust(raw, d)
		} else {
			s = adjust(lexicalScore(question, d), d)
		}
		list = append(list, scored{desc: d, score: s})
	}
	return list
}

// apply runs the configured selection strategy over the sorted score list.
func (r *Router) apply(list []scored) []Selection {
	switch r.cfg.Strategy {
	case StrategySingleBest:
		if len(list) > 0 && list[0].score >= r.cfg.Threshold {
			return []Selection{{ConnectionID: list[0].desc.ID, Score: list[0].score}}
		}
		return nil
	case StrategyTopN:
		return r.qualified(list, r.cfg.TopN)
	case StrategyAllQualified, StrategyContextual:
		return r.qualified(list, len(list))
	default:
		return nil
	}
}

// qualified returns up to max entries meeting the threshold, preserving
// descending score order.
func (r *Router) qualified(list []scored, max int) []Selection {
	var out []Selection
	for _, s := range list {
		if len(out) == max {
			break
		}
		if s.score >= r.cfg.Threshold {
			out = append(out, Selection{ConnectionID: s.desc.ID, Score: s.score})
		}
	}
	return out
}

// manual returns the explicitly named connection iff present and enabled.
func (r *Router) manual(enabled []Descriptor, sig Signals) []Selection {
	if sig.ManualConnection == "" {
		return nil
	}
	for _, d := range enabled {
		if d.ID == sig.ManualConnection || strings.EqualFold(d.Name, sig.ManualConnection) {
			return []Selection{{ConnectionID: d.ID, Score: 1}}
		}
	}
	return nil
}

// fallback applies the configured fallback policy to the sorted score list.
func (r *Router) fallback(list []scored) (Selection, bool) {
	switch r.cfg.Fallback {
	case FallbackPrimary:
		for _, s := range list {
			if s.desc.Primary {
				score := s.score
				if score < r.cfg.Threshold {
					score = r.cfg.Threshold
				}
				return Selection{ConnectionID: s.desc.ID, Score: score}, true
			}
		}
		return Selection{}, false
	case FallbackAny:
		if len(list) > 0 {
			return Selection{ConnectionID: list[0].desc.ID, Score: list[0].score}, true
		}
		return Selection{}, false
	default:
		return Selection{}, false
	}
}

// applyRecencyBonus raises scores for connections queried in recent turns.
func applyRecencyBonus(list []scored, recent []string) {
	if len(recent) == 0 {
		return
	}
	set := make(map[string]struct{}, len(recent))
	for _, id := range recent {
		set[id] = struct{}{}
	}
	for i := range list {
		if _, ok := set[list[i].desc.ID]; ok {
			list[i].score = clamp(list[i].score + recencyBonus)
		}
	}
}

// sortScored orders by score descending, then priority descending, then ID
// ascending. The full ordering keeps decisions deterministic for equal
// scores.
func sortScored(list []scored) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if list[i].desc.Priority != list[j].desc.Priority {
			return list[i].desc.Priority > list[j].desc.Priority
		}
		return list[i].desc.ID < list[j].desc.ID
	})
}
