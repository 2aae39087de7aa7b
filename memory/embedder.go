package memory

import "context"

// Embedder is a pluggable interface for getting embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the similarity-search half of the embedding store. The
// SQLite record table remains the system of record; the index only has to
// answer ranked queries and keep itself in sync on writes and deletes.
type VectorIndex interface {
	// Index adds one record to the similarity index.
	Index(ctx context.Context, rec MemoryRecord) error

	// Search returns up to k record texts for the owner and tier, ranked
	// by similarity to queryText. Fewer than k results is not an error.
	Search(ctx context.Context, ownerID string, tier Tier, queryText string, k int) ([]string, error)

	// Remove drops the given record ids from the index. Unknown ids are
	// ignored.
	Remove(ctx context.Context, ids []string) error
}
