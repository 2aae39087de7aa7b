package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"
)

func seedRaw(t *testing.T, eng *testEngine, ownerID string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	for _, text := range texts {
		if _, err := eng.store.Add(ctx, ownerID, TierRaw, text, ImportanceRaw); err != nil {
			t.Fatalf("Add raw: %v", err)
		}
	}
	if _, err := eng.states.Update(ctx, ownerID, StateUpdate{RawCountDelta: lo.ToPtr(len(texts))}); err != nil {
		t.Fatalf("bump raw count: %v", err)
	}
}

func seedInsights(t *testing.T, eng *testEngine, ownerID string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	for _, text := range texts {
		if _, err := eng.store.Add(ctx, ownerID, TierInsight, text, ImportanceInsight); err != nil {
			t.Fatalf("Add insight: %v", err)
		}
	}
	if _, err := eng.states.Update(ctx, ownerID, StateUpdate{InsightCountDelta: lo.ToPtr(len(texts))}); err != nil {
		t.Fatalf("bump insight count: %v", err)
	}
}

func numberedTexts(prefix string, n int) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("%s %d", prefix, i)
	}
	return texts
}

func TestConsolidateRaw_DistillsInsightAndConsumesBatch(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedRaw(t, eng, "user-1", numberedTexts("user said something", 10)...)
	eng.summarizer.outputs = []string{
		`{"insight": "works night shifts at a hospital", "evolution_instruction": "be more caring"}`,
	}

	if err := eng.consolidator.ConsolidateRaw(ctx, "user-1"); err != nil {
		t.Fatalf("ConsolidateRaw: %v", err)
	}

	rawLive, _ := eng.store.CountLive(ctx, "user-1", TierRaw)
	if rawLive != 0 {
		t.Errorf("raw live = %d, want batch consumed", rawLive)
	}
	insightLive, _ := eng.store.CountLive(ctx, "user-1", TierInsight)
	if insightLive != 1 {
		t.Errorf("insight live = %d, want 1", insightLive)
	}

	state, err := eng.states.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get state: %v", err)
	}
	if state.RawCount != 0 {
		t.Errorf("raw_count = %d, want 0", state.RawCount)
	}
	if state.InsightCount != 1 {
		t.Errorf("insight_count = %d, want 1", state.InsightCount)
	}

	recs, err := eng.store.Fetch(ctx, "user-1", TierInsight, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 || recs[0].Text != "works night shifts at a hospital" {
		t.Fatalf("insights = %+v", recs)
	}
	if recs[0].Importance != ImportanceInsight {
		t.Errorf("importance = %d, want %d", recs[0].Importance, ImportanceInsight)
	}

	profile, err := eng.profiles.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get profile: %v", err)
	}
	if profile.CaringFrequency != "frequent" {
		t.Errorf("caring = %q, want evolution applied", profile.CaringFrequency)
	}
}

func TestConsolidateRaw_CounterArithmeticWithInterleavedWrites(t *testing.T) {
	cfg := DefaultConsolidatorConfig()
	eng := newTestEngine(t, cfg)
	ctx := context.Background()

	// 15 pending records, batch size 10: the 5 that were not fetched must
	// stay counted after the run.
	seedRaw(t, eng, "user-1", numberedTexts("event", 15)...)
	eng.summarizer.outputs = []string{`{"insight": "none", "evolution_instruction": ""}`}

	if err := eng.consolidator.ConsolidateRaw(ctx, "user-1"); err != nil {
		t.Fatalf("ConsolidateRaw: %v", err)
	}

	state, err := eng.states.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get state: %v", err)
	}
	if state.RawCount != 5 {
		t.Errorf("raw_count = %d, want 15-10=5", state.RawCount)
	}
	rawLive, _ := eng.store.CountLive(ctx, "user-1", TierRaw)
	if rawLive != 5 {
		t.Errorf("raw live = %d, want 5", rawLive)
	}
}

func TestConsolidateRaw_SummarizerFailureLeavesEverything(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedRaw(t, eng, "user-1", numberedTexts("event", 10)...)
	eng.summarizer.err = fmt.Errorf("rate limited")

	if err := eng.consolidator.ConsolidateRaw(ctx, "user-1"); err == nil {
		t.Fatal("expected error")
	}

	rawLive, _ := eng.store.CountLive(ctx, "user-1", TierRaw)
	if rawLive != 10 {
		t.Errorf("raw live = %d, want batch intact", rawLive)
	}
	state, _ := eng.states.Get(ctx, "user-1")
	if state.RawCount != 10 {
		t.Errorf("raw_count = %d, want untouched", state.RawCount)
	}
	insightLive, _ := eng.store.CountLive(ctx, "user-1", TierInsight)
	if insightLive != 0 {
		t.Errorf("insight live = %d, want 0", insightLive)
	}
}

func TestConsolidateRaw_MalformedOutputLeavesEverything(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedRaw(t, eng, "user-1", numberedTexts("event", 10)...)
	eng.summarizer.outputs = []string{"I couldn't find anything notable, sorry!"}

	if err := eng.consolidator.ConsolidateRaw(ctx, "user-1"); err == nil {
		t.Fatal("expected error for non-JSON output")
	}

	rawLive, _ := eng.store.CountLive(ctx, "user-1", TierRaw)
	if rawLive != 10 {
		t.Errorf("raw live = %d, want batch intact", rawLive)
	}
}

func TestConsolidateRaw_NegativeInsightForgetsWithoutDistilling(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedRaw(t, eng, "user-1", numberedTexts("smalltalk", 10)...)
	eng.summarizer.outputs = []string{`{"insight": "无", "evolution_instruction": ""}`}

	if err := eng.consolidator.ConsolidateRaw(ctx, "user-1"); err != nil {
		t.Fatalf("ConsolidateRaw: %v", err)
	}

	rawLive, _ := eng.store.CountLive(ctx, "user-1", TierRaw)
	if rawLive != 0 {
		t.Errorf("raw live = %d, want batch consumed", rawLive)
	}
	insightLive, _ := eng.store.CountLive(ctx, "user-1", TierInsight)
	if insightLive != 0 {
		t.Errorf("insight live = %d, want no insight written", insightLive)
	}
	state, _ := eng.states.Get(ctx, "user-1")
	if state.InsightCount != 0 {
		t.Errorf("insight_count = %d, want 0", state.InsightCount)
	}
}

func TestConsolidateRaw_BlankBatchSkipsSummarizer(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedRaw(t, eng, "user-1", "", "   ", "\n", "", "  ", "", "", " ", "", "")

	if err := eng.consolidator.ConsolidateRaw(ctx, "user-1"); err != nil {
		t.Fatalf("ConsolidateRaw: %v", err)
	}
	if len(eng.summarizer.instructions) != 0 {
		t.Fatalf("summarizer called %d times for blank batch", len(eng.summarizer.instructions))
	}

	rawLive, _ := eng.store.CountLive(ctx, "user-1", TierRaw)
	if rawLive != 0 {
		t.Errorf("raw live = %d, want blanks dropped", rawLive)
	}
	state, _ := eng.states.Get(ctx, "user-1")
	if state.RawCount != 0 {
		t.Errorf("raw_count = %d, want 0", state.RawCount)
	}
}

func TestConsolidateRaw_StaleCounterReconciled(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	// Counter claims 12 pending but the store holds only one record.
	seedRaw(t, eng, "user-1", "solitary event")
	if _, err := eng.states.Update(ctx, "user-1", StateUpdate{RawCount: lo.ToPtr(12)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := eng.consolidator.ConsolidateRaw(ctx, "user-1"); err != nil {
		t.Fatalf("ConsolidateRaw: %v", err)
	}
	if len(eng.summarizer.instructions) != 0 {
		t.Fatal("summarizer must not run below the minimum batch")
	}

	state, _ := eng.states.Get(ctx, "user-1")
	if state.RawCount != 1 {
		t.Errorf("raw_count = %d, want reconciled to 1", state.RawCount)
	}
	rawLive, _ := eng.store.CountLive(ctx, "user-1", TierRaw)
	if rawLive != 1 {
		t.Errorf("raw live = %d, want record kept", rawLive)
	}
}

func TestConsolidateProfile_RebuildsProfileAndForgets(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedInsights(t, eng, "user-1", numberedTexts("durable fact", 10)...)
	eng.summarizer.outputs = []string{`{
		"communication_style": "casual",
		"humor_level": "frequent",
		"caring_frequency": "frequent",
		"sensitive_topics": ["exams"],
		"preferred_topics": ["music", "astronomy"],
		"personality_traits": ["curious"],
		"interaction_patterns": ["long evening chats"],
		"relationship_summary": "Trusted companion for late-night talks.",
		"forget": [1, 2, 3, 99, -4, 2]
	}`}

	if err := eng.consolidator.ConsolidateProfile(ctx, "user-1"); err != nil {
		t.Fatalf("ConsolidateProfile: %v", err)
	}

	profile, err := eng.profiles.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get profile: %v", err)
	}
	if profile.CommunicationStyle != "casual" || profile.HumorLevel != "frequent" {
		t.Errorf("profile = %+v", profile)
	}
	if profile.RelationshipSummary != "Trusted companion for late-night talks." {
		t.Errorf("summary = %q", profile.RelationshipSummary)
	}
	if len(profile.PreferredTopics) != 2 {
		t.Errorf("topics = %v", profile.PreferredTopics)
	}

	// Out-of-range forget numbers are dropped; duplicates collapse. Only
	// insights 1-3 disappear.
	insightLive, _ := eng.store.CountLive(ctx, "user-1", TierInsight)
	if insightLive != 7 {
		t.Errorf("insight live = %d, want 10-3=7", insightLive)
	}

	state, _ := eng.states.Get(ctx, "user-1")
	if state.InsightCount != DefaultConsolidatorConfig().InsightResetBuffer {
		t.Errorf("insight_count = %d, want reset buffer %d", state.InsightCount, DefaultConsolidatorConfig().InsightResetBuffer)
	}
}

func TestConsolidateProfile_FailureLeavesInsights(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedInsights(t, eng, "user-1", numberedTexts("durable fact", 10)...)
	eng.summarizer.err = fmt.Errorf("model unavailable")

	if err := eng.consolidator.ConsolidateProfile(ctx, "user-1"); err == nil {
		t.Fatal("expected error")
	}

	insightLive, _ := eng.store.CountLive(ctx, "user-1", TierInsight)
	if insightLive != 10 {
		t.Errorf("insight live = %d, want untouched", insightLive)
	}
	state, _ := eng.states.Get(ctx, "user-1")
	if state.InsightCount != 10 {
		t.Errorf("insight_count = %d, want untouched", state.InsightCount)
	}
}

func TestMaybeConsolidate_BelowThresholdIsNoop(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedRaw(t, eng, "user-1", numberedTexts("event", 9)...)
	eng.consolidator.MaybeConsolidate(ctx, "user-1")

	if len(eng.summarizer.instructions) != 0 {
		t.Fatal("summarizer ran below the threshold")
	}
	rawLive, _ := eng.store.CountLive(ctx, "user-1", TierRaw)
	if rawLive != 9 {
		t.Errorf("raw live = %d", rawLive)
	}
}

func TestMaybeConsolidate_RunsBothTransitionsWhenDue(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedRaw(t, eng, "user-1", numberedTexts("event", 10)...)
	seedInsights(t, eng, "user-1", numberedTexts("fact", 9)...)
	eng.summarizer.outputs = []string{
		// Raw pass distills the tenth insight, crossing the profile threshold.
		`{"insight": "collects vinyl records", "evolution_instruction": ""}`,
		`{"communication_style": "", "relationship_summary": "Getting closer.", "forget": []}`,
	}

	eng.consolidator.MaybeConsolidate(ctx, "user-1")

	if len(eng.summarizer.instructions) != 2 {
		t.Fatalf("summarizer calls = %d, want both transitions", len(eng.summarizer.instructions))
	}
	state, _ := eng.states.Get(ctx, "user-1")
	if state.RawCount != 0 {
		t.Errorf("raw_count = %d", state.RawCount)
	}
	if state.InsightCount != DefaultConsolidatorConfig().InsightResetBuffer {
		t.Errorf("insight_count = %d, want reset buffer", state.InsightCount)
	}
	profile, _ := eng.profiles.Get(ctx, "user-1")
	if profile.RelationshipSummary != "Getting closer." {
		t.Errorf("summary = %q", profile.RelationshipSummary)
	}
}

func TestReconcileCounters_StoreIsGroundTruth(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	seedRaw(t, eng, "user-1", "a", "b", "c")
	if _, err := eng.states.Update(ctx, "user-1", StateUpdate{
		RawCount:     lo.ToPtr(40),
		InsightCount: lo.ToPtr(9),
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := eng.consolidator.ReconcileCounters(ctx); err != nil {
		t.Fatalf("ReconcileCounters: %v", err)
	}

	state, _ := eng.states.Get(ctx, "user-1")
	if state.RawCount != 3 {
		t.Errorf("raw_count = %d, want 3", state.RawCount)
	}
	if state.InsightCount != 0 {
		t.Errorf("insight_count = %d, want clipped to live store", state.InsightCount)
	}
}

func TestReconcileCounters_InsightUndercountIsAllowed(t *testing.T) {
	eng := newTestEngine(t, DefaultConsolidatorConfig())
	ctx := context.Background()

	// Five live insights but the counter says two: that is the normal
	// post-consolidation hysteresis, not an anomaly.
	seedInsights(t, eng, "user-1", numberedTexts("fact", 5)...)
	if _, err := eng.states.Update(ctx, "user-1", StateUpdate{InsightCount: lo.ToPtr(2)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := eng.consolidator.ReconcileCounters(ctx); err != nil {
		t.Fatalf("ReconcileCounters: %v", err)
	}
	state, _ := eng.states.Get(ctx, "user-1")
	if state.InsightCount != 2 {
		t.Errorf("insight_count = %d, want 2 preserved", state.InsightCount)
	}
}

func TestSortBatch_SameInstantOrderedByID(t *testing.T) {
	at := time.Unix(0, 1234567890)
	recs := []MemoryRecord{
		{ID: "user-1_raw_b", Text: "middle", CreatedAt: at},
		{ID: "user-1_raw_c", Text: "last", CreatedAt: at},
		{ID: "user-1_raw_a", Text: "first", CreatedAt: at},
	}
	sortBatch(recs)

	want := []string{"user-1_raw_a", "user-1_raw_b", "user-1_raw_c"}
	for i, id := range want {
		if recs[i].ID != id {
			t.Errorf("recs[%d].ID = %q, want %q", i, recs[i].ID, id)
		}
	}
}
