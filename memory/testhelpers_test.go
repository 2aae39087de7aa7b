package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/evermind-ai/evermind/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory database and runs migrations.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrations.RunMigrations(db, "../migrations", zerolog.Nop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

// memIndex is an in-memory VectorIndex. Search returns the indexed texts
// that share a word with the query, most recently indexed first.
type memIndex struct {
	mu       sync.Mutex
	docs     []MemoryRecord
	failNext error
}

func newMemIndex() *memIndex {
	return &memIndex{}
}

func (m *memIndex) Index(ctx context.Context, rec MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.docs = append(m.docs, rec)
	return nil
}

func (m *memIndex) Search(ctx context.Context, ownerID string, tier Tier, queryText string, k int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}

	words := strings.Fields(strings.ToLower(queryText))
	var matched []MemoryRecord
	for _, doc := range m.docs {
		if doc.OwnerID != ownerID || doc.Tier != tier {
			continue
		}
		text := strings.ToLower(doc.Text)
		for _, w := range words {
			if strings.Contains(text, w) {
				matched = append(matched, doc)
				break
			}
		}
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if len(matched) > k {
		matched = matched[:k]
	}
	texts := make([]string, len(matched))
	for i, doc := range matched {
		texts[i] = doc.Text
	}
	return texts, nil
}

func (m *memIndex) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := m.docs[:0]
	for _, doc := range m.docs {
		if _, ok := drop[doc.ID]; !ok {
			kept = append(kept, doc)
		}
	}
	m.docs = kept
	return nil
}

func (m *memIndex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// scriptedSummarizer returns its outputs in order and records the
// instructions it received. After the script runs out it fails.
type scriptedSummarizer struct {
	mu           sync.Mutex
	outputs      []string
	err          error
	instructions []string
}

func (s *scriptedSummarizer) Summarize(ctx context.Context, instruction string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = append(s.instructions, instruction)
	if s.err != nil {
		return "", s.err
	}
	if len(s.outputs) == 0 {
		return "", fmt.Errorf("scripted summarizer exhausted")
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

// testEngine bundles the full stack over one in-memory database.
type testEngine struct {
	db           *sql.DB
	index        *memIndex
	store        *Store
	states       *StateLedger
	profiles     *ProfileStore
	summarizer   *scriptedSummarizer
	consolidator *Consolidator
	retriever    *Retriever
	manager      *Manager
}

func newTestEngine(t *testing.T, cfg ConsolidatorConfig) *testEngine {
	t.Helper()
	db := setupTestDB(t)
	index := newMemIndex()

	store, err := NewStore(db, index, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	states := NewStateLedger(db, zerolog.Nop())
	profiles := NewProfileStore(db, zerolog.Nop())
	summarizer := &scriptedSummarizer{}
	consolidator := NewConsolidator(store, states, profiles, summarizer, cfg, zerolog.Nop())
	retriever := NewRetriever(store, profiles, 0, 0, zerolog.Nop())
	manager := NewManager(store, states, profiles, retriever, consolidator, zerolog.Nop())

	return &testEngine{
		db:           db,
		index:        index,
		store:        store,
		states:       states,
		profiles:     profiles,
		summarizer:   summarizer,
		consolidator: consolidator,
		retriever:    retriever,
		manager:      manager,
	}
}
