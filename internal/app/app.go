// Package app provides application initialization and dependency injection.
//
// App is the container that wires configuration, Genkit, the database pool,
// the retrieval stores, and the chat pipeline together. Components are
// created in dependency order by Setup and released by Close.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/pipeline"
)

// App is the core application container.
type App struct {
	Config *config.Config

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool
	Pipeline *pipeline.Pipeline

	logger *slog.Logger

	// connPools are the routed connection pools, keyed by descriptor ID.
	// Closed together with the primary pool.
	connPools map[string]*pgxpool.Pool
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	a.Logger().Info("shutting down application")

	for id, pool := range a.connPools {
		pool.Close()
		a.Logger().Debug("routed connection pool closed", "connection_id", id)
	}

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger().Info("database pool closed")
	}
	return nil
}
