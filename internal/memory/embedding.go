package memory

import "context"

// EmbeddingProvider is the external capability the memory layer consumes to
// turn text into dense vectors for semantic/hybrid search. It may be a
// local model, a remote service, or a deterministic fallback — model
// inference integrations are out of scope for this repo; only the contract
// is specified here. No mock providers are acceptable in production wiring.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
