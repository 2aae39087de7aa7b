package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ProfileStore holds the consolidated behavioral profile per owner, stored
// as one durable JSON document keyed by owner id. Updates merge per field:
// union for set-valued fields, overwrite for enumerations and the
// relationship summary.
type ProfileStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewProfileStore creates a ProfileStore over the given database.
func NewProfileStore(db *sql.DB, logger zerolog.Logger) *ProfileStore {
	return &ProfileStore{
		db:     db,
		logger: logger.With().Str("component", "profile_store").Logger(),
	}
}

func defaultProfile(ownerID string) UserProfile {
	return UserProfile{
		OwnerID:            ownerID,
		CommunicationStyle: DefaultCommunicationStyle,
		HumorLevel:         DefaultHumorLevel,
		CaringFrequency:    DefaultCaringFrequency,
	}
}

// Get returns the profile for an owner. A missing profile yields the
// documented defaults; the row is only created on first update.
func (p *ProfileStore) Get(ctx context.Context, ownerID string) (UserProfile, error) {
	queryStr, args, err := StatementBuilder().
		Select("profile").
		From("user_profiles").
		Where(sq.Eq{"owner_id": ownerID}).
		ToSql()
	if err != nil {
		return UserProfile{}, fmt.Errorf("build profile select: %w", err)
	}

	var doc string
	err = p.db.QueryRowContext(ctx, queryStr, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultProfile(ownerID), nil
	}
	if err != nil {
		return UserProfile{}, fmt.Errorf("select profile: %w", err)
	}

	profile := defaultProfile(ownerID)
	if err := json.Unmarshal([]byte(doc), &profile); err != nil {
		p.logger.Error().Err(err).Str("owner", ownerID).Msg("Corrupt profile document, returning defaults")
		return defaultProfile(ownerID), nil
	}
	profile.OwnerID = ownerID
	return profile, nil
}

// Update applies a partial profile update and flushes it synchronously.
// LastInteractionTime is stamped on every write.
func (p *ProfileStore) Update(ctx context.Context, ownerID string, upd ProfileUpdate) (UserProfile, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return UserProfile{}, fmt.Errorf("begin profile update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	profile := defaultProfile(ownerID)
	var doc string
	row := tx.QueryRowContext(ctx, "SELECT profile FROM user_profiles WHERE owner_id = ?", ownerID)
	exists := true
	switch err := row.Scan(&doc); {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return UserProfile{}, fmt.Errorf("select profile: %w", err)
	default:
		if err := json.Unmarshal([]byte(doc), &profile); err != nil {
			p.logger.Error().Err(err).Str("owner", ownerID).Msg("Corrupt profile document, rebuilding from defaults")
			profile = defaultProfile(ownerID)
		}
	}

	applyEnum(&profile.CommunicationStyle, upd.CommunicationStyle, CommunicationStyles)
	applyEnum(&profile.HumorLevel, upd.HumorLevel, HumorLevels)
	applyEnum(&profile.CaringFrequency, upd.CaringFrequency, CaringFrequencies)
	profile.SensitiveTopics = unionTerms(profile.SensitiveTopics, upd.SensitiveTopics)
	profile.PreferredTopics = unionTerms(profile.PreferredTopics, upd.PreferredTopics)
	profile.PersonalityTraits = unionTerms(profile.PersonalityTraits, upd.PersonalityTraits)
	profile.InteractionPatterns = unionTerms(profile.InteractionPatterns, upd.InteractionPatterns)
	if upd.RelationshipSummary != nil && strings.TrimSpace(*upd.RelationshipSummary) != "" {
		// Replaced wholesale: the summary reflects the latest holistic
		// understanding, it never accumulates old phrasing.
		profile.RelationshipSummary = strings.TrimSpace(*upd.RelationshipSummary)
	}
	profile.OwnerID = ownerID
	profile.LastInteractionTime = time.Now()

	encoded, err := json.Marshal(profile)
	if err != nil {
		return UserProfile{}, fmt.Errorf("marshal profile: %w", err)
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			"UPDATE user_profiles SET profile = ?, updated_at = ? WHERE owner_id = ?",
			string(encoded), profile.LastInteractionTime.UnixNano(), ownerID)
	} else {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO user_profiles (owner_id, profile, updated_at) VALUES (?, ?, ?)",
			ownerID, string(encoded), profile.LastInteractionTime.UnixNano())
	}
	if err != nil {
		p.logger.Error().Err(err).Str("owner", ownerID).Msg("Failed to write profile")
		return UserProfile{}, fmt.Errorf("write profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UserProfile{}, fmt.Errorf("commit profile update: %w", err)
	}

	p.logger.Debug().Str("owner", ownerID).Msg("User profile updated")
	return profile, nil
}

func applyEnum(dst *string, val *string, allowed []string) {
	if val == nil {
		return
	}
	v := strings.ToLower(strings.TrimSpace(*val))
	if lo.Contains(allowed, v) {
		*dst = v
	}
}

// unionTerms merges additions into existing as a deduplicated union,
// preserving first-seen order so newer terms land at the tail.
func unionTerms(existing, additions []string) []string {
	if len(additions) == 0 {
		return existing
	}
	cleaned := lo.FilterMap(additions, func(term string, _ int) (string, bool) {
		term = strings.TrimSpace(term)
		return term, term != ""
	})
	return lo.Uniq(append(existing, cleaned...))
}

// displayTermLimit caps set-valued fields on display; storage keeps the
// full union.
const displayTermLimit = 8

// RenderProfileSummary renders the non-default fields of a profile into a
// deterministic human-readable block. When every field is still at its
// default it emits a single placeholder line, never an empty string.
func RenderProfileSummary(profile UserProfile) string {
	var lines []string
	if profile.CommunicationStyle != "" && profile.CommunicationStyle != DefaultCommunicationStyle {
		lines = append(lines, "Communication style: "+profile.CommunicationStyle)
	}
	if profile.HumorLevel != "" && profile.HumorLevel != DefaultHumorLevel {
		lines = append(lines, "Humor: "+profile.HumorLevel)
	}
	if profile.CaringFrequency != "" && profile.CaringFrequency != DefaultCaringFrequency {
		lines = append(lines, "Caring frequency: "+profile.CaringFrequency)
	}
	if len(profile.PreferredTopics) > 0 {
		lines = append(lines, "Preferred topics: "+joinRecent(profile.PreferredTopics))
	}
	if len(profile.SensitiveTopics) > 0 {
		lines = append(lines, "Sensitive topics: "+joinRecent(profile.SensitiveTopics))
	}
	if len(profile.PersonalityTraits) > 0 {
		lines = append(lines, "Personality traits: "+joinRecent(profile.PersonalityTraits))
	}
	if len(profile.InteractionPatterns) > 0 {
		lines = append(lines, "Interaction patterns: "+joinRecent(profile.InteractionPatterns))
	}
	if strings.TrimSpace(profile.RelationshipSummary) != "" {
		lines = append(lines, "Relationship: "+profile.RelationshipSummary)
	}
	if len(lines) == 0 {
		return "Profile still learning."
	}
	return strings.Join(lines, "\n")
}

// joinRecent renders the most recent terms of a set-valued field.
func joinRecent(terms []string) string {
	if len(terms) > displayTermLimit {
		terms = terms[len(terms)-displayTermLimit:]
	}
	return strings.Join(terms, ", ")
}
