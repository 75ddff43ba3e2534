// Package graph provides the PostgreSQL-backed knowledge-graph retriever:
// keyword entity lookup plus one-hop edge expansion.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/internal/event"
)

// maxEntities bounds entities matched per query.
const maxEntities = 10

// Store searches the entity and edge tables. Safe for concurrent use.
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

// Retrieve matches query keywords against entity names and returns the
// matched entities with every relationship touching them.
func (s *Store) Retrieve(ctx context.Context, query string) (event.GraphContext, error) {
	keywords := keywords(query)
	if len(keywords) == 0 {
		return event.GraphContext{}, nil
	}

	patterns := make([]string, len(keywords))
	for i, k := range keywords {
		patterns[i] = "%" + k + "%"
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, entity_type, COALESCE(description, '')
		 FROM graph_entities
		 WHERE name ILIKE ANY($1)
		 LIMIT $2`,
		patterns, maxEntities,
	)
	if err != nil {
		return event.GraphContext{}, fmt.Errorf("searching entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	var entities []event.Entity
	for rows.Next() {
		var id string
		var e event.Entity
		if err := rows.Scan(&id, &e.Name, &e.Type, &e.Description); err != nil {
			return event.GraphContext{}, fmt.Errorf("scanning entity: %w", err)
		}
		ids = append(ids, id)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return event.GraphContext{}, fmt.Errorf("iterating entities: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return event.GraphContext{}, nil
	}

	relationships, err := s.edges(ctx, ids)
	if err != nil {
		return event.GraphContext{}, err
	}

	s.logger.Debug("graph search complete",
		"keywords", len(keywords),
		"entities", len(entities),
		"relationships", len(relationships),
	)
	return event.GraphContext{Entities: entities, Relationships: relationships}, nil
}

// edges loads every relationship touching the matched entities.
func (s *Store) edges(ctx context.Context, ids []string) ([]event.Relationship, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT src.name, dst.name, COALESCE(e.description, '')
		 FROM graph_edges e
		 JOIN graph_entities src ON src.id = e.source_id
		 JOIN graph_entities dst ON dst.id = e.target_id
		 WHERE e.source_id = ANY($1) OR e.target_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("searching edges: %w", err)
	}
	defer rows.Close()

	var out []event.Relationship
	for rows.Next() {
		var r event.Relationship
		if err := rows.Scan(&r.Source, &r.Target, &r.Description); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating edges: %w", err)
	}
	return out, nil
}

// keywords lowercases and splits the query, dropping short words.
func keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
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
