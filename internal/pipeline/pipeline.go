// Package pipeline orchestrates one chat turn: input processing, knowledge
// retrieval, database routing and querying, answer synthesis, and
// finalization, driven stage-by-stage by a small workflow executor.
//
// The pipeline is stateless across runs; all per-turn state lives in
// turn.Run and its Context. External capabilities (LLM, retrievers,
// database connectors, message store) are injected through the narrow
// interfaces in capability.go.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/router"
	"github.com/quarrylabs/quarry/internal/turn"
)

// Prompt template names resolved by the LLM capability.
const (
	// PromptCondense rewrites a follow-up question into a standalone one.
	PromptCondense = "condense"
	// PromptClarify decides whether a question is answerable as asked.
	PromptClarify = "clarify"
	// PromptTitle names a new conversation from its first exchange.
	PromptTitle = "title"
)

// Default bounds applied when Config leaves them zero.
const (
	defaultCapabilityTimeout = 15 * time.Second
	defaultSynthesisTimeout  = 2 * time.Minute
	defaultMaxQueryRows      = 100
	defaultHistoryBudget     = 8000
)

// Config gates optional stages and bounds external calls.
type Config struct {
	// RefineQuestion enables LLM question condensation during input
	// processing when history is present.
	RefineQuestion bool

	// ClarifyCheck enables the answerability check before synthesis.
	ClarifyCheck bool

	// DatabaseRouting enables the routing + query step.
	DatabaseRouting bool

	// GenerateTitle enables best-effort conversation titling after the
	// first completed turn.
	GenerateTitle bool

	// Descriptors are the candidate connections for routing. Read-only
	// for the lifetime of the pipeline.
	Descriptors []router.Descriptor

	// CapabilityTimeout bounds each retrieval, routing, and store call.
	CapabilityTimeout time.Duration

	// SynthesisTimeout bounds the full streaming generation.
	SynthesisTimeout time.Duration

	// MaxQueryRows caps rows returned per routed database query.
	MaxQueryRows int

	// HistoryTokenBudget caps estimated history tokens fed to synthesis.
	HistoryTokenBudget int
}

// Deps are the injected capabilities. LLM, Vector, Graph, and Messages are
// required; Router, SQLGen, and Connectors only when DatabaseRouting is on.
type Deps struct {
	LLM        LLM
	Vector     VectorRetriever
	Graph      GraphRetriever
	Messages   MessageStore
	Router     *router.Router
	SQLGen     SQLGenerator
	Connectors map[string]DatabaseConnector
	Logger     *slog.Logger
}

func (d Deps) validate(cfg Config) error {
	if d.LLM == nil {
		return errors.New("llm capability is required")
	}
	if d.Vector == nil {
		return errors.New("vector retriever is required")
	}
	if d.Graph == nil {
		return errors.New("graph retriever is required")
	}
	if d.Messages == nil {
		return errors.New("message store is required")
	}
	if cfg.DatabaseRouting {
		if d.Router == nil {
			return errors.New("router is required when database routing is enabled")
		}
		if d.SQLGen == nil {
			return errors.New("sql generator is required when database routing is enabled")
		}
	}
	return nil
}

// Pipeline builds and starts runs. Safe for concurrent use; the handler
// table is read-only after construction.
type Pipeline struct {
	cfg    Config
	deps   Deps
	exec   *Executor
	logger *slog.Logger
}

// New creates a pipeline with its static dispatch table.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := deps.validate(cfg); err != nil {
		return nil, err
	}
	if cfg.CapabilityTimeout <= 0 {
		cfg.CapabilityTimeout = defaultCapabilityTimeout
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = defaultSynthesisTimeout
	}
	if cfg.MaxQueryRows <= 0 {
		cfg.MaxQueryRows = defaultMaxQueryRows
	}
	if cfg.HistoryTokenBudget <= 0 {
		cfg.HistoryTokenBudget = defaultHistoryBudget
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{cfg: cfg, deps: deps, logger: logger}

	// One well-known successor stage per event kind. Info, Error, and
	// Stop are side or terminal events and are never dispatched.
	p.exec = NewExecutor(map[event.Kind]StageFunc{
		event.KindStart:     p.input,
		event.KindPrep:      p.knowledge,
		event.KindKnowledge: p.reason,
		event.KindReasoning: p.synthesize,
		event.KindResponse:  p.finalize,
	}, p.finalizeError, logger)

	return p, nil
}

// Run starts a pipeline run for one user message and returns its handle.
func (p *Pipeline) Run(ctx context.Context, conversationID uuid.UUID, question string, history []event.Message) *RunHandle {
	run := turn.NewRun(conversationID, question, history)
	return p.exec.Start(ctx, run, event.NewStart(question, history))
}

// callTimeout derives a bounded child context for one capability call.
func (p *Pipeline) callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.CapabilityTimeout)
}

// finalizeError persists the failure as the assistant's content so the
// user-visible record never ends on a silently dropped turn. Best-effort.
func (p *Pipeline) finalizeError(ctx context.Context, run *turn.Run, cause error) {
	handle, ok := run.Context.Value(turn.KeyAssistantHandle)
	if !ok {
		return
	}
	mh, ok := handle.(MessageHandle)
	if !ok || !mh.Valid() {
		return
	}

	content := "I ran into an error while answering: " + cause.Error()
	sctx, cancel := p.callTimeout(context.WithoutCancel(ctx))
	defer cancel()
	err := p.deps.Messages.Finalize(sctx, mh, content, nil, map[string]any{
		"status": string(turn.StatusError),
		"error":  cause.Error(),
	})
	if err != nil {
		p.logger.Warn("persisting error message", "run_id", run.ID, "error", err)
	}
}
