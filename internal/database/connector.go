package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

// Connector executes bounded queries against one configured connection.
// Read-only enforcement happens at the transaction level, not by string
// inspection: when the limits require it, the query runs inside a
// read-only transaction the server itself refuses to let write.
type Connector struct {
	id     string
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewConnector wraps a pool as the connector for one connection
// descriptor. logger may be nil.
func NewConnector(id string, pool *pgxpool.Pool, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{id: id, pool: pool, logger: logger}
}

// Execute runs one query and collects up to limits.MaxRows rows as
// column-name keyed maps.
func (c *Connector) Execute(ctx context.Context, sql string, limits pipeline.QueryLimits) ([]map[string]any, error) {
	txOpts := pgx.TxOptions{}
	if limits.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}

	tx, err := c.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, &pipeline.QueryError{ConnectionID: c.id, Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			c.logger.Debug("rolling back query transaction", "connection", c.id, "error", rbErr)
		}
	}()

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, &pipeline.QueryError{ConnectionID: c.id, Err: err}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		if limits.MaxRows > 0 && len(out) >= limits.MaxRows {
			c.logger.Debug("row limit reached", "connection", c.id, "max_rows", limits.MaxRows)
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, &pipeline.QueryError{ConnectionID: c.id, Err: fmt.Errorf("reading row: %w", err)}
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	// Rows must be fully drained and closed before the transaction can
	// commit on the same connection. Close is idempotent.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &pipeline.QueryError{ConnectionID: c.id, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &pipeline.QueryError{ConnectionID: c.id, Err: fmt.Errorf("committing transaction: %w", err)}
	}
	return out, nil
}
