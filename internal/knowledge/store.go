// Package knowledge provides the pgvector-backed vector retriever: query
// embedding plus cosine similarity search over indexed document chunks.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/quarrylabs/quarry/internal/event"
)

// VectorDimension is the embedding width of the knowledge_chunks schema.
// Embedders must be configured to produce vectors of this size.
const VectorDimension = 768

// defaultTopK bounds results when the store is created with TopK <= 0.
const defaultTopK = 5

// Document is one indexable knowledge fragment.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Store embeds queries and searches the chunk index. Safe for concurrent
// use.
type Store struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	topK     int
	logger   *slog.Logger
}

// New creates a Store. topK <= 0 uses the default; logger may be nil.
func New(pool *pgxpool.Pool, embedder ai.Embedder, topK int, logger *slog.Logger) *Store {
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, embedder: embedder, topK: topK, logger: logger}
}

// Retrieve embeds the query and returns the most similar chunks.
func (s *Store) Retrieve(ctx context.Context, query string) ([]event.Chunk, error) {
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT content, metadata, 1 - (embedding <=> $1) AS similarity
		 FROM knowledge_chunks
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		vec, s.topK,
	)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var chunks []event.Chunk
	for rows.Next() {
		var content string
		var metadataJSON []byte
		var similarity float64
		if err := rows.Scan(&content, &metadataJSON, &similarity); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}

		var metadata map[string]string
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
				s.logger.Debug("skipping malformed chunk metadata", "error", err)
				metadata = nil
			}
		}
		chunks = append(chunks, event.Chunk{Text: content, Score: similarity, Metadata: metadata})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	s.logger.Debug("vector search complete", "query_len", len(query), "results", len(chunks))
	return chunks, nil
}

// Add indexes one document chunk, embedding its content. Upserts by ID.
func (s *Store) Add(ctx context.Context, doc Document) error {
	vec, err := s.embed(ctx, doc.Content)
	if err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO knowledge_chunks (id, content, embedding, metadata)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET content = EXCLUDED.content, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`,
		doc.ID, doc.Content, vec, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("upserting chunk %q: %w", doc.ID, err)
	}
	return nil
}

// embed produces the pgvector value for one text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{{Content: []*ai.Part{ai.NewTextPart(text)}}},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("generating embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding returned")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}
