// Package message persists chat messages to PostgreSQL: a placeholder row
// is written when a turn starts and filled in when the answer (or the
// error standing in for it) is known.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

// Message statuses stored in the status column.
const (
	statusPending = "pending"
	statusFinal   = "final"
)

// Store manages chat message persistence. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store. logger may be nil.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// CreatePlaceholder writes an empty pending message for the turn and
// returns its handle.
func (s *Store) CreatePlaceholder(ctx context.Context, turnID uuid.UUID, role string) (pipeline.MessageHandle, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, turn_id, role, content, status)
		 VALUES ($1, $2, $3, '', $4)`,
		id, turnID, role, statusPending,
	)
	if err != nil {
		return pipeline.MessageHandle{}, &pipeline.StoreError{Op: "create placeholder", Err: err}
	}

	s.logger.Debug("created placeholder message", "message_id", id, "turn_id", turnID, "role", role)
	return pipeline.MessageHandle{ID: id}, nil
}

// Finalize fills a placeholder with content, sources, and metadata.
func (s *Store) Finalize(ctx context.Context, h pipeline.MessageHandle, content string, sources []pipeline.Source, metadata map[string]any) error {
	if !h.Valid() {
		return &pipeline.StoreError{Op: "finalize", Err: fmt.Errorf("invalid message handle")}
	}

	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return &pipeline.StoreError{Op: "finalize", Err: fmt.Errorf("marshaling sources: %w", err)}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return &pipeline.StoreError{Op: "finalize", Err: fmt.Errorf("marshaling metadata: %w", err)}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_messages
		 SET content = $2, sources = $3, metadata = $4, status = $5, finalized_at = now()
		 WHERE id = $1`,
		h.ID, content, sourcesJSON, metadataJSON, statusFinal,
	)
	if err != nil {
		return &pipeline.StoreError{Op: "finalize", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.StoreError{Op: "finalize", Err: fmt.Errorf("message %s not found", h.ID)}
	}

	s.logger.Debug("finalized message", "message_id", h.ID, "content_len", len(content), "sources", len(sources))
	return nil
}

// SetTitle stores a best-effort title for a conversation.
func (s *Store) SetTitle(ctx context.Context, conversationID uuid.UUID, title string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, title)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`,
		conversationID, title,
	)
	if err != nil {
		return &pipeline.StoreError{Op: "set title", Err: err}
	}
	return nil
}
