package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// StateLedger is the durable per-owner record of counters and volatile
// scalars. Every update is flushed synchronously before returning, because
// the counters gate consolidation triggers.
type StateLedger struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStateLedger creates a StateLedger over the given database.
func NewStateLedger(db *sql.DB, logger zerolog.Logger) *StateLedger {
	return &StateLedger{
		db:     db,
		logger: logger.With().Str("component", "state_ledger").Logger(),
	}
}

func defaultState(ownerID string, now time.Time) UserState {
	return UserState{
		OwnerID:      ownerID,
		Mood:         DefaultMood,
		Affinity:     DefaultAffinity,
		RawCount:     0,
		InsightCount: 0,
		UpdatedAt:    now,
	}
}

// Get returns the state for an owner, creating the default record on
// first access.
func (l *StateLedger) Get(ctx context.Context, ownerID string) (UserState, error) {
	state, err := l.selectState(ctx, l.db, ownerID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return UserState{}, err
	}

	state = defaultState(ownerID, time.Now())
	if err := l.insertState(ctx, l.db, state); err != nil {
		// Lost a creation race; the winner's row is the truth.
		if existing, selErr := l.selectState(ctx, l.db, ownerID); selErr == nil {
			return existing, nil
		}
		return UserState{}, err
	}
	l.logger.Debug().Str("owner", ownerID).Msg("Created default user state")
	return state, nil
}

// Update applies a partial update with field-specific merge semantics and
// flushes it before returning. See StateUpdate for the per-field rules.
func (l *StateLedger) Update(ctx context.Context, ownerID string, upd StateUpdate) (UserState, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return UserState{}, fmt.Errorf("begin state update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	state, err := l.selectState(ctx, tx, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		state = defaultState(ownerID, time.Now())
		if err := l.insertState(ctx, tx, state); err != nil {
			return UserState{}, err
		}
	} else if err != nil {
		return UserState{}, err
	}

	if upd.Mood != nil {
		state.Mood = *upd.Mood
	}
	if upd.AffinityDelta != nil {
		state.Affinity = clamp(state.Affinity+*upd.AffinityDelta, 0, 100)
	}
	state.RawCount = applyCounter(state.RawCount, upd.RawCount, upd.RawCountDelta)
	state.InsightCount = applyCounter(state.InsightCount, upd.InsightCount, upd.InsightCountDelta)
	state.UpdatedAt = time.Now()

	queryStr, args, err := StatementBuilder().
		Update("user_states").
		Set("mood", state.Mood).
		Set("affinity", state.Affinity).
		Set("raw_count", state.RawCount).
		Set("insight_count", state.InsightCount).
		Set("updated_at", state.UpdatedAt.UnixNano()).
		Where(sq.Eq{"owner_id": ownerID}).
		ToSql()
	if err != nil {
		return UserState{}, fmt.Errorf("build state update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		l.logger.Error().Err(err).Str("owner", ownerID).Msg("Failed to update user state")
		return UserState{}, fmt.Errorf("update user state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UserState{}, fmt.Errorf("commit state update: %w", err)
	}

	l.logger.Debug().
		Str("owner", ownerID).
		Int("raw_count", state.RawCount).
		Int("insight_count", state.InsightCount).
		Int("affinity", state.Affinity).
		Msg("User state updated")
	return state, nil
}

// Owners returns every owner id present in the ledger.
func (l *StateLedger) Owners(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT owner_id FROM user_states ORDER BY owner_id")
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *StateLedger) selectState(ctx context.Context, q queryer, ownerID string) (UserState, error) {
	queryStr, args, err := StatementBuilder().
		Select("owner_id", "mood", "affinity", "raw_count", "insight_count", "updated_at").
		From("user_states").
		Where(sq.Eq{"owner_id": ownerID}).
		ToSql()
	if err != nil {
		return UserState{}, fmt.Errorf("build state select: %w", err)
	}

	var (
		state     UserState
		updatedAt int64
	)
	err = q.QueryRowContext(ctx, queryStr, args...).
		Scan(&state.OwnerID, &state.Mood, &state.Affinity, &state.RawCount, &state.InsightCount, &updatedAt)
	if err != nil {
		return UserState{}, err
	}
	state.UpdatedAt = time.Unix(0, updatedAt)
	return state, nil
}

func (l *StateLedger) insertState(ctx context.Context, q queryer, state UserState) error {
	queryStr, args, err := StatementBuilder().
		Insert("user_states").
		Columns("owner_id", "mood", "affinity", "raw_count", "insight_count", "updated_at").
		Values(state.OwnerID, state.Mood, state.Affinity, state.RawCount, state.InsightCount, state.UpdatedAt.UnixNano()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build state insert: %w", err)
	}
	if _, err := q.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert user state: %w", err)
	}
	return nil
}

// applyCounter resolves the set-or-delta counter forms; the result never
// goes below zero.
func applyCounter(current int, set *int, delta *int) int {
	switch {
	case set != nil:
		current = *set
	case delta != nil:
		current += *delta
	}
	if current < 0 {
		return 0
	}
	return current
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
