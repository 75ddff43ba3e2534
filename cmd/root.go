// Package cmd defines the quarry CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - streaming RAG chat backend",
	Long: `Quarry is a retrieval-augmented chat backend. It answers questions by
combining vector search, a knowledge graph, and optional routed database
queries, streaming the answer over SSE as it is generated.

Run 'quarry serve' to start the HTTP API server.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
