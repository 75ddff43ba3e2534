package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/router"
)

// MockLLM is a scriptable language-model capability for pipeline tests.
// Zero value answers every Complete with "" and streams nothing.
type MockLLM struct {
	mu sync.Mutex

	// Replies maps prompt name to the canned Complete reply.
	Replies map[string]string
	// CompleteErr, when set, fails every Complete call.
	CompleteErr error

	// StreamDeltas are emitted in order before Stream returns.
	StreamDeltas []string
	// StreamErr, when set, is returned after emitting StreamDeltas.
	StreamErr error

	completeCalls []string
}

// Complete returns the canned reply for promptName.
func (m *MockLLM) Complete(_ context.Context, promptName string, _ map[string]any) (string, error) {
	m.mu.Lock()
	m.completeCalls = append(m.completeCalls, promptName)
	m.mu.Unlock()

	if m.CompleteErr != nil {
		return "", m.CompleteErr
	}
	return m.Replies[promptName], nil
}

// Stream emits each scripted delta through fn and returns the joined text.
func (m *MockLLM) Stream(ctx context.Context, _ []event.Message, fn pipeline.StreamFunc) (string, error) {
	for _, d := range m.StreamDeltas {
		if err := fn(ctx, d); err != nil {
			return "", err
		}
	}
	if m.StreamErr != nil {
		return "", m.StreamErr
	}
	return strings.Join(m.StreamDeltas, ""), nil
}

// CompleteCalls returns the prompt names passed to Complete, in order.
func (m *MockLLM) CompleteCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.completeCalls...)
}

// MockVector is a canned vector retriever.
type MockVector struct {
	Chunks []event.Chunk
	Err    error
}

func (m *MockVector) Retrieve(context.Context, string) ([]event.Chunk, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Chunks, nil
}

// MockGraph is a canned graph retriever.
type MockGraph struct {
	Graph event.GraphContext
	Err   error
}

func (m *MockGraph) Retrieve(context.Context, string) (event.GraphContext, error) {
	if m.Err != nil {
		return event.GraphContext{}, m.Err
	}
	return m.Graph, nil
}

// FinalizedMessage records one Finalize call against MockMessages.
type FinalizedMessage struct {
	Handle   pipeline.MessageHandle
	Content  string
	Sources  []pipeline.Source
	Metadata map[string]any
}

// MockMessages is an in-memory message store.
type MockMessages struct {
	mu sync.Mutex

	// CreateErr, when set, fails every CreatePlaceholder call.
	CreateErr error
	// FinalizeErr, when set, fails every Finalize call.
	FinalizeErr error
	// TitleErr, when set, fails every SetTitle call.
	TitleErr error

	created   []pipeline.MessageHandle
	finalized []FinalizedMessage
	titles    map[uuid.UUID]string
}

func (m *MockMessages) CreatePlaceholder(_ context.Context, _ uuid.UUID, _ string) (pipeline.MessageHandle, error) {
	if m.CreateErr != nil {
		return pipeline.MessageHandle{}, m.CreateErr
	}
	h := pipeline.MessageHandle{ID: uuid.New()}
	m.mu.Lock()
	m.created = append(m.created, h)
	m.mu.Unlock()
	return h, nil
}

func (m *MockMessages) Finalize(_ context.Context, h pipeline.MessageHandle, content string, sources []pipeline.Source, metadata map[string]any) error {
	if m.FinalizeErr != nil {
		return m.FinalizeErr
	}
	m.mu.Lock()
	m.finalized = append(m.finalized, FinalizedMessage{
		Handle:   h,
		Content:  content,
		Sources:  sources,
		Metadata: metadata,
	})
	m.mu.Unlock()
	return nil
}

func (m *MockMessages) SetTitle(_ context.Context, conversationID uuid.UUID, title string) error {
	if m.TitleErr != nil {
		return m.TitleErr
	}
	m.mu.Lock()
	if m.titles == nil {
		m.titles = make(map[uuid.UUID]string)
	}
	m.titles[conversationID] = title
	m.mu.Unlock()
	return nil
}

// Title returns the stored title for a conversation, if any.
func (m *MockMessages) Title(conversationID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.titles[conversationID]
	return t, ok
}

// Created returns every handle issued by CreatePlaceholder.
func (m *MockMessages) Created() []pipeline.MessageHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.MessageHandle(nil), m.created...)
}

// Finalized returns every recorded Finalize call.
func (m *MockMessages) Finalized() []FinalizedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FinalizedMessage(nil), m.finalized...)
}

// MockConnector is a canned database connector.
type MockConnector struct {
	Rows []map[string]any
	Err  error

	mu   sync.Mutex
	sqls []string
}

func (m *MockConnector) Execute(_ context.Context, sql string, _ pipeline.QueryLimits) ([]map[string]any, error) {
	m.mu.Lock()
	m.sqls = append(m.sqls, sql)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	return m.Rows, nil
}

// Executed returns the SQL statements passed to Execute, in order.
func (m *MockConnector) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sqls...)
}

// MockSQLGen is a canned SQL generator.
type MockSQLGen struct {
	SQL string
	Err error
}

func (m *MockSQLGen) Generate(context.Context, string, router.Descriptor) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.SQL, nil
}

// MockScorer is a canned router scorer.
type MockScorer struct {
	Scores map[string]float64
	Err    error
}

func (m *MockScorer) Score(context.Context, string, []router.Descriptor) (map[string]float64, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Scores, nil
}
