// Package chromem implements the similarity index on chromem-go, an
// embedded pure-Go vector database. All records live in one collection;
// owner and tier are metadata filters, mirroring how the record table is
// partitioned.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/evermind-ai/evermind/memory"
)

const collectionName = "evermind_memory"

// Index implements memory.VectorIndex.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     zerolog.Logger
}

// New opens (or creates) a persistent index rooted at path.
func New(path string, embedder memory.Embedder, logger zerolog.Logger) (*Index, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return newIndex(db, embedder, logger)
}

// NewInMemory creates a volatile index, used in tests and throwaway runs.
func NewInMemory(embedder memory.Embedder, logger zerolog.Logger) (*Index, error) {
	return newIndex(chromem.NewDB(), embedder, logger)
}

func newIndex(db *chromem.DB, embedder memory.Embedder, logger zerolog.Logger) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("chromem index: embedder is required")
	}
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(collectionName, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{
		db:         db,
		collection: col,
		logger:     logger.With().Str("component", "chromem_index").Logger(),
	}, nil
}

// Index adds one record to the collection. The document content is the
// record text; everything else rides in metadata.
func (x *Index) Index(ctx context.Context, rec memory.MemoryRecord) error {
	doc := chromem.Document{
		ID:      rec.ID,
		Content: rec.Text,
		Metadata: map[string]string{
			"owner_id":   rec.OwnerID,
			"tier":       string(rec.Tier),
			"importance": strconv.Itoa(rec.Importance),
			"created_at": strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
		},
	}
	if err := x.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search returns up to k record texts ranked by similarity to queryText,
// restricted to the owner and tier.
func (x *Index) Search(ctx context.Context, ownerID string, tier memory.Tier, queryText string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	total := x.collection.Count()
	if total == 0 {
		return nil, nil
	}
	if k > total {
		k = total
	}

	where := map[string]string{
		"owner_id": ownerID,
		"tier":     string(tier),
	}

	// chromem rejects result counts above what the filter can satisfy, so
	// back off until the query fits.
	var results []chromem.Result
	for limit := k; limit >= 1; limit-- {
		var err error
		results, err = x.collection.Query(ctx, queryText, limit, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	return lo.Map(results, func(res chromem.Result, _ int) string {
		return res.Content
	}), nil
}

// Remove drops documents by id. Ids that are not in the collection are
// skipped so deletes stay idempotent.
func (x *Index) Remove(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := x.collection.Delete(ctx, nil, nil, id); err != nil {
			if isNotFoundError(err) {
				continue
			}
			return fmt.Errorf("delete document %s: %w", id, err)
		}
	}
	return nil
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") ||
		strings.Contains(msg, "number of documents") ||
		strings.Contains(msg, "collection is empty")
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "doesn't exist")
}
