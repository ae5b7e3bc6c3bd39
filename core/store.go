package core

import (
	"context"
)

// QueryClient defines the interface for running SQL against the lake.
// Collaborating services embed or accept this rather than the concrete
// store so they can be tested against a stub.
type QueryClient interface {
	// Query executes a query and returns the results
	Query(ctx context.Context, query string) ([]map[string]interface{}, error)

	// Initialize sets up the query client
	Initialize() error

	// Close releases resources
	Close() error
}
