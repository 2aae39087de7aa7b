package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Manager is the memory facade consumed by the agent layer. It orchestrates
// the embedding store, state ledger, profile store, retriever, and
// consolidator behind a single API keyed by owner id.
type Manager struct {
	store        *Store
	states       *StateLedger
	profiles     *ProfileStore
	retriever    *Retriever
	consolidator *Consolidator
	logger       zerolog.Logger
}

// NewManager creates a Manager over already-constructed components.
func NewManager(store *Store, states *StateLedger, profiles *ProfileStore, retriever *Retriever, consolidator *Consolidator, logger zerolog.Logger) *Manager {
	return &Manager{
		store:        store,
		states:       states,
		profiles:     profiles,
		retriever:    retriever,
		consolidator: consolidator,
		logger:       logger.With().Str("component", "memory_manager").Logger(),
	}
}

// NormalizeOwnerID maps an owner id to its canonical string form. Numeric
// and string ids for the same logical owner must normalize identically
// before any lookup.
func NormalizeOwnerID(ownerID string) string {
	return strings.TrimSpace(ownerID)
}

// LogInteraction records one interaction as a RAW record, bumps the raw
// counter, and checks the consolidation trigger. Consolidation failures
// are invisible here; they only delay distillation.
func (m *Manager) LogInteraction(ctx context.Context, ownerID, text string) error {
	owner := NormalizeOwnerID(ownerID)
	if owner == "" {
		return fmt.Errorf("owner id is empty")
	}

	if _, err := m.store.Add(ctx, owner, TierRaw, text, ImportanceRaw); err != nil {
		return fmt.Errorf("log interaction: %w", err)
	}
	if _, err := m.states.Update(ctx, owner, StateUpdate{RawCountDelta: lo.ToPtr(1)}); err != nil {
		return fmt.Errorf("bump raw count: %w", err)
	}

	m.consolidator.MaybeConsolidate(ctx, owner)
	return nil
}

// Retrieve composes the context bundle for one query. It never fails the
// turn: every internal failure degrades to empty or default context.
func (m *Manager) Retrieve(ctx context.Context, ownerID, queryText string) RetrievedContext {
	return m.retriever.Retrieve(ctx, NormalizeOwnerID(ownerID), queryText)
}

// GetState returns the owner's state, creating the default on first access.
func (m *Manager) GetState(ctx context.Context, ownerID string) (UserState, error) {
	return m.states.Get(ctx, NormalizeOwnerID(ownerID))
}

// UpdateState applies a partial state update from the agent layer, such as
// a mood overwrite or an affinity delta after a turn.
func (m *Manager) UpdateState(ctx context.Context, ownerID string, upd StateUpdate) (UserState, error) {
	return m.states.Update(ctx, NormalizeOwnerID(ownerID), upd)
}

// GetProfile returns the owner's behavioral profile.
func (m *Manager) GetProfile(ctx context.Context, ownerID string) (UserProfile, error) {
	return m.profiles.Get(ctx, NormalizeOwnerID(ownerID))
}

// statusRecentWindow bounds how many recent memories a status report shows.
const statusRecentWindow = 3

// StatusReport renders a human-readable snapshot of the owner's memory:
// counters, profile summary, and the most recent raw records. Formatting
// only, no new logic.
func (m *Manager) StatusReport(ctx context.Context, ownerID string) (string, error) {
	owner := NormalizeOwnerID(ownerID)
	state, err := m.states.Get(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("status report: %w", err)
	}
	profile, err := m.profiles.Get(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("status report: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Affinity: %d/100\n", state.Affinity)
	fmt.Fprintf(&b, "Mood: %s\n", state.Mood)
	fmt.Fprintf(&b, "Pending raw memories: %d\n", state.RawCount)
	fmt.Fprintf(&b, "Insights since last profile pass: %d\n", state.InsightCount)
	b.WriteString("\nProfile:\n")
	b.WriteString(RenderProfileSummary(profile))

	recent, err := m.store.Recent(ctx, owner, TierRaw, statusRecentWindow)
	if err != nil {
		m.logger.Warn().Err(err).Str("owner", owner).Msg("Status report: recent fetch failed")
	} else if len(recent) > 0 {
		b.WriteString("\n\nRecent memories:\n")
		for _, rec := range recent {
			fmt.Fprintf(&b, "- %s\n", truncate(rec.Text, 80))
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
