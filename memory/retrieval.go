package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// neutralQuery is substituted for blank query text so similarity search
// stays deterministic instead of erroring on an empty embedding input.
const neutralQuery = "context"

// Default retrieval window sizes.
const (
	DefaultInsightK     = 5
	DefaultRecentWindow = 5
)

// Retriever composes the per-turn context bundle: profile summary, relevant
// insights, and the recent raw window. Every failure inside retrieval
// degrades to empty or default context; a turn is never blocked on memory.
type Retriever struct {
	store    *Store
	profiles *ProfileStore
	insightK int
	recentN  int
	logger   zerolog.Logger
}

// NewRetriever creates a Retriever with the given window sizes; zero values
// fall back to the defaults.
func NewRetriever(store *Store, profiles *ProfileStore, insightK, recentN int, logger zerolog.Logger) *Retriever {
	if insightK <= 0 {
		insightK = DefaultInsightK
	}
	if recentN <= 0 {
		recentN = DefaultRecentWindow
	}
	return &Retriever{
		store:    store,
		profiles: profiles,
		insightK: insightK,
		recentN:  recentN,
		logger:   logger.With().Str("component", "retriever").Logger(),
	}
}

// Retrieve builds the context bundle for one query.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, queryText string) RetrievedContext {
	query := strings.TrimSpace(queryText)
	if query == "" {
		query = neutralQuery
	}

	profile, err := r.profiles.Get(ctx, ownerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("owner", ownerID).Msg("Profile fetch failed, using defaults")
		profile = defaultProfile(ownerID)
	}

	insights, err := r.store.Query(ctx, ownerID, TierInsight, query, r.insightK)
	if err != nil {
		// Store.Query already degrades internally; this only fires on
		// programming errors, but the contract stands: no memory beats
		// no turn.
		r.logger.Warn().Err(err).Str("owner", ownerID).Msg("Insight query failed")
		insights = nil
	}

	recent, err := r.store.Recent(ctx, ownerID, TierRaw, r.recentN)
	if err != nil {
		r.logger.Warn().Err(err).Str("owner", ownerID).Msg("Recent window fetch failed")
		recent = nil
	}
	// The underlying fetch order is unspecified; order by timestamp here,
	// newest first, so short-term continuity survives similarity ranking.
	sort.SliceStable(recent, func(i, j int) bool {
		if recent[i].CreatedAt.Equal(recent[j].CreatedAt) {
			return recent[i].ID > recent[j].ID
		}
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})

	return RetrievedContext{
		ProfileSummary: RenderProfileSummary(profile),
		Insights:       insights,
		RecentRaw: lo.Map(recent, func(rec MemoryRecord, _ int) string {
			return rec.Text
		}),
	}
}
