package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the tiered embedding store: durable record rows in SQLite plus
// a similarity index. The rows are authoritative for bulk fetch, recency
// windows, deletes, and live counts; the index answers ranked queries.
type Store struct {
	db     *sql.DB
	index  VectorIndex
	logger zerolog.Logger
}

// NewStore creates and returns a Store.
func NewStore(db *sql.DB, index VectorIndex, logger zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if index == nil {
		return nil, fmt.Errorf("store: vector index is required")
	}
	logger = logger.With().Str("component", "memory_store").Logger()
	logger.Info().Msg("Initializing memory store")
	return &Store{db: db, index: index, logger: logger}, nil
}

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

func recordColumns() []string {
	return []string{"id", "owner_id", "tier", "content", "importance", "created_at"}
}

// Add inserts a document and indexes it, returning the generated id.
// Ids are collision-free under concurrent writers for the same owner.
// Blank text is accepted; consolidation filters it later.
func (s *Store) Add(ctx context.Context, ownerID string, tier Tier, text string, importance int) (string, error) {
	if tier != TierRaw && tier != TierInsight {
		s.logger.Error().Str("tier", string(tier)).Msg("Invalid tier on Add")
		return "", fmt.Errorf("invalid tier: %q", tier)
	}

	rec := MemoryRecord{
		ID:         fmt.Sprintf("%s_%s_%s", ownerID, tier, uuid.NewString()),
		OwnerID:    ownerID,
		Tier:       tier,
		Text:       text,
		Importance: importance,
		CreatedAt:  time.Now(),
	}

	query := StatementBuilder().
		Insert("memory_records").
		Columns(recordColumns()...).
		Values(rec.ID, rec.OwnerID, string(rec.Tier), rec.Text, rec.Importance, rec.CreatedAt.UnixNano())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Error().Err(err).Str("owner", ownerID).Str("tier", string(tier)).Msg("Failed to insert memory record")
		return "", fmt.Errorf("insert memory record: %w", err)
	}

	if err := s.index.Index(ctx, rec); err != nil {
		// Roll the row back so record table and index stay consistent;
		// the caller decides whether to retry the whole write.
		s.logger.Error().Err(err).Str("id", rec.ID).Msg("Failed to index record, removing row")
		if _, delErr := s.db.ExecContext(ctx, "DELETE FROM memory_records WHERE id = ?", rec.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("id", rec.ID).Msg("Failed to remove row after index failure")
		}
		return "", fmt.Errorf("index memory record: %w", err)
	}

	s.logger.Debug().
		Str("id", rec.ID).
		Str("owner", ownerID).
		Str("tier", string(tier)).
		Int("importance", importance).
		Msg("Memory record added")
	return rec.ID, nil
}

// Query returns up to k record texts ranked by similarity to queryText.
// An empty query yields an empty result, and index failures degrade to an
// empty result as well: the agent runs with no memory rather than failing
// the turn.
func (s *Store) Query(ctx context.Context, ownerID string, tier Tier, queryText string, k int) ([]string, error) {
	if strings.TrimSpace(queryText) == "" || k <= 0 {
		return nil, nil
	}
	texts, err := s.index.Search(ctx, ownerID, tier, queryText, k)
	if err != nil {
		s.logger.Warn().Err(err).Str("owner", ownerID).Str("tier", string(tier)).Msg("Similarity query failed, returning empty result")
		return nil, nil
	}
	return texts, nil
}

// Fetch returns up to limit records for the owner and tier. The result
// order is unspecified; it feeds consolidation candidate selection, not
// display.
func (s *Store) Fetch(ctx context.Context, ownerID string, tier Tier, limit int) ([]MemoryRecord, error) {
	query := StatementBuilder().
		Select(recordColumns()...).
		From("memory_records").
		Where(sq.Eq{"owner_id": ownerID}).
		Where(sq.Eq{"tier": string(tier)}).
		Limit(uint64(limit)) //nolint:gosec // bounded batch sizes only

	return s.queryRecords(ctx, query)
}

// Recent returns the n most recent records for the owner and tier, newest
// first. Record id breaks ties so same-instant writes keep a stable order.
func (s *Store) Recent(ctx context.Context, ownerID string, tier Tier, n int) ([]MemoryRecord, error) {
	query := StatementBuilder().
		Select(recordColumns()...).
		From("memory_records").
		Where(sq.Eq{"owner_id": ownerID}).
		Where(sq.Eq{"tier": string(tier)}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(n)) //nolint:gosec // bounded window sizes only

	return s.queryRecords(ctx, query)
}

// Delete removes the given records from the index and the record table.
// It is idempotent: unknown or already-deleted ids are ignored.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := s.index.Remove(ctx, ids); err != nil {
		s.logger.Error().Err(err).Int("count", len(ids)).Msg("Failed to remove records from index")
		return fmt.Errorf("remove from index: %w", err)
	}

	queryStr, args, err := StatementBuilder().
		Delete("memory_records").
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Error().Err(err).Int("count", len(ids)).Msg("Failed to delete memory records")
		return fmt.Errorf("delete memory records: %w", err)
	}

	s.logger.Debug().Int("count", len(ids)).Msg("Memory records deleted")
	return nil
}

// CountLive returns the number of live records for the owner and tier.
// Reconciliation treats this as ground truth for the state counters.
func (s *Store) CountLive(ctx context.Context, ownerID string, tier Tier) (int, error) {
	queryStr, args, err := StatementBuilder().
		Select("COUNT(*)").
		From("memory_records").
		Where(sq.Eq{"owner_id": ownerID}).
		Where(sq.Eq{"tier": string(tier)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, queryStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count memory records: %w", err)
	}
	return count, nil
}

func (s *Store) queryRecords(ctx context.Context, query sq.SelectBuilder) ([]MemoryRecord, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var records []MemoryRecord
	for rows.Next() {
		var (
			rec       MemoryRecord
			tierStr   string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &tierStr, &rec.Text, &rec.Importance, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		rec.Tier = Tier(tierStr)
		rec.CreatedAt = time.Unix(0, createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
