// Package store persists long-term memory: group facts and user
// memories in SQLite, with an FTS5 keyword index over fact/memory text
// and a vector index over fact embeddings. Index parameters (tokenizer
// name, vector dimension, embedding model) are recorded in a metadata
// table and compared at startup; drift triggers an explicit migration
// that drops and rebuilds the affected index.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/memoclaw/internal/analyzer"
)

// Metadata keys.
const (
	metaTokenizer  = "tokenizer"
	metaVectorDim  = "vector_dimension"
	metaEmbedModel = "embed_model"
)

// Options configures the store at open time.
type Options struct {
	// Tokenizer is the desired keyword-index tokenizer variant
	// ("default" or "segmented"). A variant that fails to load degrades
	// to the default tokenizer and records that choice.
	Tokenizer string

	// VectorDimension, when > 0, forces the vector index to this
	// dimension at open time (destructive if it differs from the
	// recorded one). 0 means follow whatever the embedder produces.
	VectorDimension int

	// EmbedModel is the embedding model name recorded alongside the
	// vector dimension.
	EmbedModel string

	// Embedder turns fact texts into vectors. Nil disables the vector
	// index entirely (facts are still saved and keyword-indexed).
	Embedder Embedder

	// EmbedRPM caps embedding calls per minute. 0 = unlimited.
	EmbedRPM int
}

// Store is the SQLite-backed memory store.
type Store struct {
	db         *sqlx.DB
	an         analyzer.Analyzer
	embedder   Embedder
	embedModel string
	mu         sync.RWMutex
	dim        int // active vector dimension, 0 = none recorded
}

// Open opens (or creates) the memory database at path, creates the
// schema, and runs index migrations if the recorded tokenizer or vector
// dimension differs from the requested one.
func Open(path string, opts Options) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	an, err := analyzer.Load(opts.Tokenizer)
	if err != nil {
		slog.Warn("tokenizer unavailable, falling back to default",
			"requested", opts.Tokenizer, "error", err)
	}

	s := &Store{
		db:         db,
		an:         an,
		embedder:   RateLimited(opts.Embedder, opts.EmbedRPM),
		embedModel: opts.EmbedModel,
	}

	keywordIndexExisted, err := s.tableExists("facts_kw")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inspect schema: %w", err)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := s.migrateTokenizer(keywordIndexExisted); err != nil {
		db.Close()
		return nil, fmt.Errorf("tokenizer migration: %w", err)
	}

	if err := s.loadVectorMetadata(opts.VectorDimension); err != nil {
		db.Close()
		return nil, fmt.Errorf("vector metadata: %w", err)
	}

	slog.Info("memory store opened", "path", path, "tokenizer", an.Name(), "vector_dim", s.dim)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Analyzer returns the active keyword analyzer.
func (s *Store) Analyzer() analyzer.Analyzer {
	return s.an
}

// Embedder returns the configured embedding collaborator (may be nil).
func (s *Store) Embedder() Embedder {
	return s.embedder
}

// VectorDimension returns the active vector index dimension (0 = none).
func (s *Store) VectorDimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS group_facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope_id TEXT NOT NULL,
			fact TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0.5,
			source_message_ids TEXT NOT NULL DEFAULT '[]',
			source_messages TEXT NOT NULL DEFAULT '',
			involved_users TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			UNIQUE(scope_id, fact)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_facts_scope ON group_facts(scope_id, importance DESC, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS user_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			source_message_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(user_id, group_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_memories_user ON user_memories(user_id, group_id)`,
		`CREATE TABLE IF NOT EXISTS history_cursors (
			scope_id TEXT PRIMARY KEY,
			last_message_id TEXT NOT NULL DEFAULT '',
			last_timestamp INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS index_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fact_vectors (
			fact_id INTEGER PRIMARY KEY,
			embedding TEXT NOT NULL DEFAULT '[]'
		)`,
	}
	stmts = append(stmts, keywordIndexDDL...)

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// keywordIndexDDL creates the standalone FTS5 tables. Text is
// pre-tokenized by the analyzer before indexing, so the DDL is shared
// between tokenizer variants; the logical tokenizer name lives in
// index_metadata.
var keywordIndexDDL = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS facts_kw USING fts5(
		text,
		topic,
		id UNINDEXED,
		scope_id UNINDEXED,
		tokenize='unicode61'
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_kw USING fts5(
		text,
		id UNINDEXED,
		user_id UNINDEXED,
		tokenize='unicode61'
	)`,
}

func (s *Store) tableExists(name string) (bool, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// migrateTokenizer compares the recorded tokenizer with the active one
// and rebuilds the keyword index on drift. An unrecorded tokenizer with
// a pre-existing index is treated as drift (the index contents are of
// unknown provenance).
func (s *Store) migrateTokenizer(indexExisted bool) error {
	recorded, ok, err := s.Metadata(metaTokenizer)
	if err != nil {
		return err
	}

	desired := s.an.Name()
	if ok && recorded == desired {
		return nil
	}

	if !ok && !indexExisted {
		// Fresh database: just record the choice.
		return s.SetMetadata(metaTokenizer, desired)
	}

	slog.Warn("keyword tokenizer changed, rebuilding keyword index",
		"recorded", recorded, "desired", desired)
	if err := s.rebuildKeywordIndex(); err != nil {
		return err
	}
	return s.SetMetadata(metaTokenizer, desired)
}

// rebuildKeywordIndex drops and recreates the FTS tables, then
// repopulates them from the relational rows through the active
// analyzer. Unlike the vector index, the keyword index can always be
// rebuilt because the source text is persisted.
func (s *Store) rebuildKeywordIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS facts_kw`,
		`DROP TABLE IF EXISTS memories_kw`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	for _, stmt := range keywordIndexDDL {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Queryx(`SELECT id, scope_id, fact, topic FROM group_facts`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var scopeID, fact, topic string
		if err := rows.Scan(&id, &scopeID, &fact, &topic); err != nil {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO facts_kw (text, topic, id, scope_id) VALUES (?, ?, ?, ?)`,
			analyzer.IndexText(s.an, fact), analyzer.IndexText(s.an, topic), id, scopeID); err != nil {
			rows.Close()
			return err
		}
	}
	rows.Close()

	rows, err = tx.Queryx(`SELECT id, user_id, value FROM user_memories`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var userID, value string
		if err := rows.Scan(&id, &userID, &value); err != nil {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO memories_kw (text, id, user_id) VALUES (?, ?, ?)`,
			analyzer.IndexText(s.an, value), id, userID); err != nil {
			rows.Close()
			return err
		}
	}
	rows.Close()

	return tx.Commit()
}

func (s *Store) loadVectorMetadata(override int) error {
	recorded, ok, err := s.Metadata(metaVectorDim)
	if err != nil {
		return err
	}
	if ok {
		fmt.Sscanf(recorded, "%d", &s.dim)
	}

	if override > 0 && override != s.dim {
		return s.rebuildVectorIndex(override)
	}
	return nil
}

// Metadata returns the value for a metadata key.
func (s *Store) Metadata(key string) (string, bool, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM index_metadata WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMetadata upserts a metadata key.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO index_metadata (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Stats summarizes store contents and active index parameters.
type Stats struct {
	FactCount       int    `json:"factCount"`
	MemoryCount     int    `json:"memoryCount"`
	VectorCount     int    `json:"vectorCount"`
	CursorCount     int    `json:"cursorCount"`
	Tokenizer       string `json:"tokenizer"`
	VectorDimension int    `json:"vectorDimension"`
	EmbedModel      string `json:"embedModel"`
}

// GetStats returns row counts and index metadata.
func (s *Store) GetStats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Tokenizer: s.an.Name(), VectorDimension: s.dim}
	for _, q := range []struct {
		dst   *int
		query string
	}{
		{&st.FactCount, `SELECT COUNT(*) FROM group_facts`},
		{&st.MemoryCount, `SELECT COUNT(*) FROM user_memories`},
		{&st.VectorCount, `SELECT COUNT(*) FROM fact_vectors`},
		{&st.CursorCount, `SELECT COUNT(*) FROM history_cursors`},
	} {
		if err := s.db.Get(q.dst, q.query); err != nil {
			return st, err
		}
	}
	if model, ok, _ := s.Metadata(metaEmbedModel); ok {
		st.EmbedModel = model
	}
	return st, nil
}

// ContentHash returns a short content hash used as the derived key for
// user memories saved without an explicit key.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h[:16])
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var v []string
	json.Unmarshal([]byte(s), &v)
	return v
}

func clampImportance(v float64) float64 {
	if v <= 0 {
		return 0.5
	}
	if v > 1 {
		return 1
	}
	return v
}
