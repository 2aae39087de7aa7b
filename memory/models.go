package memory

import (
	"context"
	"time"
)

// Tier classifies a memory record and determines its retention and
// consolidation treatment. RAW records are an ephemeral interaction log;
// INSIGHT records are durable distilled facts.
type Tier string

const (
	TierRaw     Tier = "raw"
	TierInsight Tier = "insight"
)

// Default importance weights per tier. Importance is carried as opaque
// metadata and is not a ranking input.
const (
	ImportanceRaw     = 1
	ImportanceInsight = 8
)

// MemoryRecord is a single unit stored in the embedding index.
type MemoryRecord struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Tier       Tier      `json:"tier"`
	Text       string    `json:"text"`
	Importance int       `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// Default values for a freshly created UserState.
const (
	DefaultMood     = "neutral"
	DefaultAffinity = 10
)

// UserState is the per-owner ledger of counters and volatile scalars.
// RawCount tracks not-yet-consolidated RAW records; InsightCount tracks
// INSIGHT records accumulated since the last profile consolidation.
type UserState struct {
	OwnerID      string    `json:"owner_id"`
	Mood         string    `json:"mood"`
	Affinity     int       `json:"affinity"`
	RawCount     int       `json:"raw_count"`
	InsightCount int       `json:"insight_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StateUpdate is a partial update with field-specific merge semantics:
// Mood overwrites, AffinityDelta applies as a signed delta clamped into
// [0,100], and each counter accepts either an absolute set or a delta,
// clamped at zero. Set and delta for the same counter are mutually
// exclusive; the absolute set wins if both are given.
type StateUpdate struct {
	Mood              *string
	AffinityDelta     *int
	RawCount          *int
	RawCountDelta     *int
	InsightCount      *int
	InsightCountDelta *int
}

// Fixed vocabularies for the enumerated profile fields. The zero-valued
// profile uses the defaults; renderers omit default fields.
const (
	DefaultCommunicationStyle = "neutral"
	DefaultHumorLevel         = "moderate"
	DefaultCaringFrequency    = "occasional"
)

// CommunicationStyles lists the allowed communication_style values.
var CommunicationStyles = []string{"neutral", "formal", "casual", "playful", "direct"}

// HumorLevels lists the allowed humor_level values.
var HumorLevels = []string{"none", "light", "moderate", "frequent"}

// CaringFrequencies lists the allowed caring_frequency values.
var CaringFrequencies = []string{"rare", "occasional", "frequent", "constant"}

// UserProfile is the structured, slowly-changing behavioral model of a
// user, distinct from individual insights or raw events.
type UserProfile struct {
	OwnerID             string    `json:"owner_id"`
	CommunicationStyle  string    `json:"communication_style"`
	HumorLevel          string    `json:"humor_level"`
	CaringFrequency     string    `json:"caring_frequency"`
	SensitiveTopics     []string  `json:"sensitive_topics,omitempty"`
	PreferredTopics     []string  `json:"preferred_topics,omitempty"`
	PersonalityTraits   []string  `json:"personality_traits,omitempty"`
	InteractionPatterns []string  `json:"interaction_patterns,omitempty"`
	RelationshipSummary string    `json:"relationship_summary,omitempty"`
	LastInteractionTime time.Time `json:"last_interaction_time"`
}

// ProfileUpdate is a partial profile update. Enumerated and summary fields
// overwrite; set-valued fields merge as a deduplicated union with the
// existing values. Invalid enum values are dropped rather than applied.
type ProfileUpdate struct {
	CommunicationStyle  *string
	HumorLevel          *string
	CaringFrequency     *string
	SensitiveTopics     []string
	PreferredTopics     []string
	PersonalityTraits   []string
	InteractionPatterns []string
	RelationshipSummary *string
}

// IsZero reports whether the update carries no fields at all.
func (u ProfileUpdate) IsZero() bool {
	return u.CommunicationStyle == nil &&
		u.HumorLevel == nil &&
		u.CaringFrequency == nil &&
		len(u.SensitiveTopics) == 0 &&
		len(u.PreferredTopics) == 0 &&
		len(u.PersonalityTraits) == 0 &&
		len(u.InteractionPatterns) == 0 &&
		u.RelationshipSummary == nil
}

// RetrievedContext is the condensed context bundle handed to the agent
// layer for one turn.
type RetrievedContext struct {
	ProfileSummary string   `json:"profile_summary"`
	Insights       []string `json:"insights"`
	RecentRaw      []string `json:"recent_raw"`
}

// Summarizer invokes an external language model with a single instruction
// and returns its raw text output. Implementations are expected to apply
// their own retry policy; the consolidation pipeline treats any error as
// a transient failure and aborts without side effects.
type Summarizer interface {
	Summarize(ctx context.Context, instruction string) (string, error)
}
