package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ConsolidatorConfig holds the thresholds and batch bounds for both
// consolidation transitions.
type ConsolidatorConfig struct {
	// RawThreshold is the raw_count at which Raw→Insight consolidation
	// triggers, checked after each new RAW write.
	RawThreshold int
	// RawBatchSize bounds how many RAW records one consolidation consumes.
	RawBatchSize int
	// RawMinBatch is the minimum batch worth summarizing; below it the
	// attempt is a no-op.
	RawMinBatch int

	// InsightThreshold is the insight_count at which Insight→Profile
	// consolidation triggers.
	InsightThreshold int
	// InsightBatchSize bounds how many INSIGHT records are offered to the
	// profiler.
	InsightBatchSize int
	// InsightMinBatch is the minimum insight batch worth profiling.
	InsightMinBatch int
	// InsightResetBuffer is the non-zero value insight_count resets to
	// after a successful profile consolidation, a hysteresis so a grace
	// period of new insights accumulates before the next trigger.
	InsightResetBuffer int
}

// DefaultConsolidatorConfig returns the default thresholds.
func DefaultConsolidatorConfig() ConsolidatorConfig {
	return ConsolidatorConfig{
		RawThreshold:       10,
		RawBatchSize:       10,
		RawMinBatch:        3,
		InsightThreshold:   10,
		InsightBatchSize:   20,
		InsightMinBatch:    5,
		InsightResetBuffer: 2,
	}
}

// Consolidator runs the two compaction transitions: RAW records distilled
// into INSIGHT records, and INSIGHT batches folded into the profile. Both
// transitions are single-flight per owner: a trigger that finds a run
// already in progress is skipped, and the next threshold crossing retries.
// No candidate record is ever deleted unless its consolidation attempt
// observably succeeded.
type Consolidator struct {
	store      *Store
	states     *StateLedger
	profiles   *ProfileStore
	summarizer Summarizer
	cfg        ConsolidatorConfig
	locks      sync.Map // owner+transition -> *sync.Mutex
	logger     zerolog.Logger
}

// NewConsolidator creates a Consolidator.
func NewConsolidator(store *Store, states *StateLedger, profiles *ProfileStore, summarizer Summarizer, cfg ConsolidatorConfig, logger zerolog.Logger) *Consolidator {
	if cfg.RawThreshold <= 0 {
		cfg = DefaultConsolidatorConfig()
	}
	return &Consolidator{
		store:      store,
		states:     states,
		profiles:   profiles,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger.With().Str("component", "consolidator").Logger(),
	}
}

// MaybeConsolidate checks the owner's counters against the configured
// thresholds and runs whichever transitions are due. Failures are logged
// and invisible to the caller: they only delay distillation, never lose
// the source records.
func (c *Consolidator) MaybeConsolidate(ctx context.Context, ownerID string) {
	state, err := c.states.Get(ctx, ownerID)
	if err != nil {
		c.logger.Error().Err(err).Str("owner", ownerID).Msg("State fetch failed, skipping consolidation check")
		return
	}

	if state.RawCount >= c.cfg.RawThreshold {
		c.runSingleFlight(ownerID, "raw", func() {
			if err := c.ConsolidateRaw(ctx, ownerID); err != nil {
				c.logger.Error().Err(err).Str("owner", ownerID).Msg("Raw consolidation failed, batch left pending")
			}
		})
	}

	state, err = c.states.Get(ctx, ownerID)
	if err != nil {
		c.logger.Error().Err(err).Str("owner", ownerID).Msg("State refetch failed, skipping profile check")
		return
	}
	if state.InsightCount >= c.cfg.InsightThreshold {
		c.runSingleFlight(ownerID, "profile", func() {
			if err := c.ConsolidateProfile(ctx, ownerID); err != nil {
				c.logger.Error().Err(err).Str("owner", ownerID).Msg("Profile consolidation failed, insights left intact")
			}
		})
	}
}

// runSingleFlight runs fn unless the same transition for the same owner is
// already in progress, in which case the trigger is dropped.
func (c *Consolidator) runSingleFlight(ownerID, transition string, fn func()) {
	key := ownerID + ":" + transition
	muAny, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		c.logger.Debug().Str("owner", ownerID).Str("transition", transition).Msg("Consolidation already in flight, skipping trigger")
		return
	}
	defer mu.Unlock()
	fn()
}

const rawConsolidationPrompt = `You are the memory consolidation stage of a long-lived conversational companion.

Below is a batch of raw interaction log entries for one user:

%s

Complete two tasks:
1. Distill at most ONE durable fact worth keeping as long-term memory (a stable preference, biographical detail, or significant experience). Keep it concise and easy to retrieve later. If nothing in the batch is worth keeping, use "none".
2. Analyze the user's style and produce a short profile adjustment instruction, for example "use humor more often", "be more caring", "traits: curious, night owl". If no adjustment is warranted, use "".

Respond with a single JSON object:
{"insight": "...", "evolution_instruction": "..."}`

type rawConsolidationResult struct {
	Insight              string `json:"insight"`
	EvolutionInstruction string `json:"evolution_instruction"`
}

// negativeInsights are summarizer outputs that mean "nothing worth
// keeping". The original deployments answered in Chinese, hence 无.
var negativeInsights = map[string]struct{}{
	"none": {}, "nothing": {}, "n/a": {}, "null": {}, "无": {},
}

// ConsolidateRaw runs one Raw→Insight transition for the owner. On any
// summarizer failure the fetched batch is left untouched and retried on
// the next threshold crossing.
func (c *Consolidator) ConsolidateRaw(ctx context.Context, ownerID string) error {
	recs, err := c.store.Fetch(ctx, ownerID, TierRaw, c.cfg.RawBatchSize)
	if err != nil {
		return fmt.Errorf("fetch raw batch: %w", err)
	}

	if len(recs) < c.cfg.RawMinBatch {
		// Too little signal to summarize. If the counter claims more than
		// the store holds, the fetch result is ground truth.
		c.reconcileCounter(ctx, ownerID, TierRaw, len(recs))
		return nil
	}

	sortBatch(recs)
	ids := lo.Map(recs, func(rec MemoryRecord, _ int) string { return rec.ID })
	kept := lo.Filter(recs, func(rec MemoryRecord, _ int) bool {
		return strings.TrimSpace(rec.Text) != ""
	})

	if len(kept) == 0 {
		// Pure cleanup: nothing to summarize, drop the blanks.
		if err := c.store.Delete(ctx, ids); err != nil {
			return fmt.Errorf("delete blank raw batch: %w", err)
		}
		if _, err := c.states.Update(ctx, ownerID, StateUpdate{RawCountDelta: lo.ToPtr(-len(ids))}); err != nil {
			return fmt.Errorf("decrement raw count: %w", err)
		}
		c.logger.Info().Str("owner", ownerID).Int("deleted", len(ids)).Msg("Dropped blank raw batch without summarizing")
		return nil
	}

	var history strings.Builder
	for _, rec := range kept {
		history.WriteString("- ")
		history.WriteString(rec.Text)
		history.WriteString("\n")
	}

	out, err := c.summarizer.Summarize(ctx, fmt.Sprintf(rawConsolidationPrompt, history.String()))
	if err != nil {
		return fmt.Errorf("summarize raw batch: %w", err)
	}
	obj, ok := ExtractJSONObject(out)
	if !ok {
		return fmt.Errorf("malformed consolidation output: no JSON object found")
	}
	var res rawConsolidationResult
	if err := json.Unmarshal(obj, &res); err != nil {
		return fmt.Errorf("decode consolidation output: %w", err)
	}

	insight := strings.TrimSpace(res.Insight)
	if _, negative := negativeInsights[strings.ToLower(insight)]; insight != "" && !negative {
		if _, err := c.store.Add(ctx, ownerID, TierInsight, insight, ImportanceInsight); err != nil {
			// Abort before deleting anything; a duplicate insight on the
			// retry is acceptable, a lost raw batch is not.
			return fmt.Errorf("write insight: %w", err)
		}
		if _, err := c.states.Update(ctx, ownerID, StateUpdate{InsightCountDelta: lo.ToPtr(1)}); err != nil {
			return fmt.Errorf("increment insight count: %w", err)
		}
		c.logger.Info().Str("owner", ownerID).Str("insight", truncate(insight, 60)).Msg("Distilled insight from raw batch")
	} else {
		c.logger.Info().Str("owner", ownerID).Msg("Summarizer found nothing durable, forgetting batch without distillation")
	}

	if instr := strings.TrimSpace(res.EvolutionInstruction); instr != "" {
		if upd := ParseEvolutionInstruction(instr); !upd.IsZero() {
			if _, err := c.profiles.Update(ctx, ownerID, upd); err != nil {
				c.logger.Error().Err(err).Str("owner", ownerID).Msg("Evolution update failed")
			}
		}
	}

	if err := c.store.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete consolidated raw batch: %w", err)
	}
	// Decrement by the exact batch size rather than resetting to zero, so
	// records logged between fetch and delete stay counted.
	if _, err := c.states.Update(ctx, ownerID, StateUpdate{RawCountDelta: lo.ToPtr(-len(ids))}); err != nil {
		return fmt.Errorf("decrement raw count: %w", err)
	}

	c.logger.Info().Str("owner", ownerID).Int("consumed", len(ids)).Msg("Raw consolidation complete")
	return nil
}

const profileConsolidationPrompt = `You maintain the long-term behavioral profile of one user of a conversational companion.

Current profile:
%s

Recent distilled insights, numbered:
%s

Rebuild the profile fields from the current profile plus the insights. Then list the numbers of insights that are now fully captured by the profile and can be forgotten.

Respond with a single JSON object:
{
  "communication_style": one of %s,
  "humor_level": one of %s,
  "caring_frequency": one of %s,
  "sensitive_topics": [..],
  "preferred_topics": [..],
  "personality_traits": [..],
  "interaction_patterns": [..],
  "relationship_summary": "one or two sentences capturing the current relationship",
  "forget": [numbers]
}`

type profileConsolidationResult struct {
	CommunicationStyle  string   `json:"communication_style"`
	HumorLevel          string   `json:"humor_level"`
	CaringFrequency     string   `json:"caring_frequency"`
	SensitiveTopics     []string `json:"sensitive_topics"`
	PreferredTopics     []string `json:"preferred_topics"`
	PersonalityTraits   []string `json:"personality_traits"`
	InteractionPatterns []string `json:"interaction_patterns"`
	RelationshipSummary string   `json:"relationship_summary"`
	Forget              []int    `json:"forget"`
}

// ConsolidateProfile runs one Insight→Profile transition for the owner.
// On failure the insights and counters are left untouched.
func (c *Consolidator) ConsolidateProfile(ctx context.Context, ownerID string) error {
	recs, err := c.store.Fetch(ctx, ownerID, TierInsight, c.cfg.InsightBatchSize)
	if err != nil {
		return fmt.Errorf("fetch insight batch: %w", err)
	}
	if len(recs) < c.cfg.InsightMinBatch {
		c.reconcileCounter(ctx, ownerID, TierInsight, len(recs))
		return nil
	}
	sortBatch(recs)

	profile, err := c.profiles.Get(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("render profile: %w", err)
	}

	var insights strings.Builder
	for i, rec := range recs {
		fmt.Fprintf(&insights, "%d. %s\n", i+1, rec.Text)
	}

	prompt := fmt.Sprintf(profileConsolidationPrompt,
		string(profileJSON),
		insights.String(),
		strings.Join(CommunicationStyles, " | "),
		strings.Join(HumorLevels, " | "),
		strings.Join(CaringFrequencies, " | "),
	)
	out, err := c.summarizer.Summarize(ctx, prompt)
	if err != nil {
		return fmt.Errorf("summarize insight batch: %w", err)
	}
	obj, ok := ExtractJSONObject(out)
	if !ok {
		return fmt.Errorf("malformed profile output: no JSON object found")
	}
	var res profileConsolidationResult
	if err := json.Unmarshal(obj, &res); err != nil {
		return fmt.Errorf("decode profile output: %w", err)
	}

	upd := ProfileUpdate{
		SensitiveTopics:     res.SensitiveTopics,
		PreferredTopics:     res.PreferredTopics,
		PersonalityTraits:   res.PersonalityTraits,
		InteractionPatterns: res.InteractionPatterns,
	}
	if res.CommunicationStyle != "" {
		upd.CommunicationStyle = lo.ToPtr(res.CommunicationStyle)
	}
	if res.HumorLevel != "" {
		upd.HumorLevel = lo.ToPtr(res.HumorLevel)
	}
	if res.CaringFrequency != "" {
		upd.CaringFrequency = lo.ToPtr(res.CaringFrequency)
	}
	if strings.TrimSpace(res.RelationshipSummary) != "" {
		upd.RelationshipSummary = lo.ToPtr(res.RelationshipSummary)
	}
	if _, err := c.profiles.Update(ctx, ownerID, upd); err != nil {
		return fmt.Errorf("apply profile update: %w", err)
	}

	// Forget only what was actually in the batch: out-of-range numbers
	// from the model are dropped, so a run can never delete more than it
	// fetched or anything outside it.
	forgetIDs := lo.FilterMap(lo.Uniq(res.Forget), func(n int, _ int) (string, bool) {
		if n < 1 || n > len(recs) {
			return "", false
		}
		return recs[n-1].ID, true
	})
	if len(forgetIDs) > 0 {
		if err := c.store.Delete(ctx, forgetIDs); err != nil {
			return fmt.Errorf("forget redundant insights: %w", err)
		}
		c.logger.Info().Str("owner", ownerID).Int("forgotten", len(forgetIDs)).Msg("Forgot redundant insights")
	}

	if _, err := c.states.Update(ctx, ownerID, StateUpdate{InsightCount: lo.ToPtr(c.cfg.InsightResetBuffer)}); err != nil {
		return fmt.Errorf("reset insight count: %w", err)
	}

	c.logger.Info().Str("owner", ownerID).Int("batch", len(recs)).Msg("Profile consolidation complete")
	return nil
}

// ReconcileCounters re-syncs every owner's counters against the live store
// contents. The store is ground truth; a stale counter is a data-integrity
// anomaly, not an error.
func (c *Consolidator) ReconcileCounters(ctx context.Context) error {
	owners, err := c.states.Owners(ctx)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}
	for _, owner := range owners {
		state, err := c.states.Get(ctx, owner)
		if err != nil {
			c.logger.Error().Err(err).Str("owner", owner).Msg("Reconcile: state fetch failed")
			continue
		}
		rawLive, err := c.store.CountLive(ctx, owner, TierRaw)
		if err != nil {
			c.logger.Error().Err(err).Str("owner", owner).Msg("Reconcile: raw count failed")
			continue
		}
		insightLive, err := c.store.CountLive(ctx, owner, TierInsight)
		if err != nil {
			c.logger.Error().Err(err).Str("owner", owner).Msg("Reconcile: insight count failed")
			continue
		}
		upd := StateUpdate{}
		if state.RawCount != rawLive {
			upd.RawCount = lo.ToPtr(rawLive)
		}
		// insight_count tracks insights since the last profile
		// consolidation, so only an overcount is an anomaly.
		if state.InsightCount > insightLive {
			upd.InsightCount = lo.ToPtr(insightLive)
		}
		if upd.RawCount == nil && upd.InsightCount == nil {
			continue
		}
		c.logger.Warn().
			Str("owner", owner).
			Int("raw_count", state.RawCount).
			Int("raw_live", rawLive).
			Int("insight_count", state.InsightCount).
			Int("insight_live", insightLive).
			Msg("Counter out of sync with store, reconciling")
		if _, err := c.states.Update(ctx, owner, upd); err != nil {
			c.logger.Error().Err(err).Str("owner", owner).Msg("Reconcile: counter update failed")
		}
	}
	return nil
}

// reconcileCounter fixes a single counter when a consolidation fetch
// contradicts it.
func (c *Consolidator) reconcileCounter(ctx context.Context, ownerID string, tier Tier, live int) {
	state, err := c.states.Get(ctx, ownerID)
	if err != nil {
		return
	}
	upd := StateUpdate{}
	switch tier {
	case TierRaw:
		if state.RawCount <= live {
			return
		}
		upd.RawCount = lo.ToPtr(live)
	case TierInsight:
		if state.InsightCount <= live {
			return
		}
		upd.InsightCount = lo.ToPtr(live)
	}
	c.logger.Warn().
		Str("owner", ownerID).
		Str("tier", string(tier)).
		Int("live", live).
		Msg("Counter exceeds fetchable records, resetting to store contents")
	if _, err := c.states.Update(ctx, ownerID, upd); err != nil {
		c.logger.Error().Err(err).Str("owner", ownerID).Msg("Counter reconciliation failed")
	}
}

// sortBatch orders a fetched batch by creation time, id as tiebreak, so
// the summarizer always sees a stable chronological transcript.
func sortBatch(recs []MemoryRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) > n {
		return string(rs[:n]) + "..."
	}
	return s
}
