package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/memoclaw/internal/analyzer"
)

// Fact is a durable group-scoped statement with provenance.
type Fact struct {
	ID               int64    `json:"id"`
	ScopeID          string   `json:"scopeId"`
	Fact             string   `json:"fact"`
	Topic            string   `json:"topic,omitempty"`
	Importance       float64  `json:"importance"`
	SourceMessageIDs []string `json:"sourceMessageIds,omitempty"`
	SourceMessages   string   `json:"sourceMessages,omitempty"`
	InvolvedUsers    []string `json:"involvedUsers,omitempty"`
	CreatedAtMS      int64    `json:"createdAtMs"`
}

// FactCandidate is an extraction result to be saved as a group fact.
// Importance <= 0 means unspecified and defaults to 0.5.
type FactCandidate struct {
	Fact             string
	Topic            string
	Importance       float64
	SourceMessageIDs []string
	SourceMessages   string
	InvolvedUsers    []string
}

type factRow struct {
	ID               int64   `db:"id"`
	ScopeID          string  `db:"scope_id"`
	Fact             string  `db:"fact"`
	Topic            string  `db:"topic"`
	Importance       float64 `db:"importance"`
	SourceMessageIDs string  `db:"source_message_ids"`
	SourceMessages   string  `db:"source_messages"`
	InvolvedUsers    string  `db:"involved_users"`
	CreatedAtMS      int64   `db:"created_at"`
}

func (r factRow) toFact() Fact {
	return Fact{
		ID:               r.ID,
		ScopeID:          r.ScopeID,
		Fact:             r.Fact,
		Topic:            r.Topic,
		Importance:       r.Importance,
		SourceMessageIDs: unmarshalStrings(r.SourceMessageIDs),
		SourceMessages:   r.SourceMessages,
		InvolvedUsers:    unmarshalStrings(r.InvolvedUsers),
		CreatedAtMS:      r.CreatedAtMS,
	}
}

const factColumns = `id, scope_id, fact, topic, importance, source_message_ids, source_messages, involved_users, created_at`

// SaveFacts upserts a batch of fact candidates for a scope and co-writes
// vector entries when an embedder is configured. Returns the number of
// rows the batch touched (inserted, updated, or confirmed present).
//
// Upsert rule: a fact's importance is sticky. Re-saving the same fact
// text updates topic/importance/sources/created_at only when the new
// importance is strictly greater than the stored one.
func (s *Store) SaveFacts(ctx context.Context, scopeID string, candidates []FactCandidate) (int, error) {
	if scopeID == "" {
		return 0, nil
	}
	if err := ValidateID(scopeID); err != nil {
		return 0, err
	}

	norm := make([]FactCandidate, 0, len(candidates))
	for _, c := range candidates {
		c.Fact = strings.TrimSpace(c.Fact)
		if c.Fact == "" {
			continue
		}
		c.Topic = strings.TrimSpace(c.Topic)
		c.Importance = clampImportance(c.Importance)
		norm = append(norm, c)
	}
	if len(norm) == 0 {
		return 0, nil
	}

	// Embed the whole batch in one call before opening the transaction.
	// Embedding failure degrades to a save without vectors; the fact
	// rows still land.
	var vecs [][]float32
	if s.embedder != nil {
		texts := make([]string, len(norm))
		for i, c := range norm {
			texts[i] = c.Fact
		}
		var err error
		vecs, err = s.embedder.Embed(ctx, texts)
		if err != nil {
			slog.Warn("fact embedding failed, saving without vectors",
				"scope", scopeID, "count", len(texts), "error", err)
			vecs = nil
		} else if len(vecs) != len(norm) {
			slog.Warn("embedder returned wrong batch size, saving without vectors",
				"want", len(norm), "got", len(vecs))
			vecs = nil
		}
	}

	// Dimension drift forces a destructive rebuild before any vector
	// write. Relational rows always win over vector rows: a rebuild
	// mid-batch never rolls back fact inserts.
	if len(vecs) > 0 {
		d := len(vecs[0])
		if d == 0 {
			vecs = nil
		} else if s.VectorDimension() != d {
			if err := s.rebuildVectorIndex(d); err != nil {
				slog.Warn("vector index rebuild failed, saving without vectors", "error", err)
				vecs = nil
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := nowMS()
	saved := 0
	for i, c := range norm {
		id, err := s.upsertFactTx(tx, scopeID, c, now)
		if err != nil {
			return saved, fmt.Errorf("upsert fact: %w", err)
		}
		if vecs != nil {
			if len(vecs[i]) != s.dim {
				slog.Warn("skipping vector with inconsistent dimension",
					"fact_id", id, "dim", len(vecs[i]), "want", s.dim)
			} else {
				if _, err := tx.Exec(`INSERT OR REPLACE INTO fact_vectors (fact_id, embedding) VALUES (?, ?)`, id, marshalVector(vecs[i])); err != nil {
					return saved, fmt.Errorf("write fact vector: %w", err)
				}
			}
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return saved, nil
}

func (s *Store) upsertFactTx(tx *sqlx.Tx, scopeID string, c FactCandidate, now int64) (int64, error) {
	var cur struct {
		ID         int64   `db:"id"`
		Importance float64 `db:"importance"`
	}
	err := tx.Get(&cur, `SELECT id, importance FROM group_facts WHERE scope_id = ? AND fact = ?`, scopeID, c.Fact)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.Exec(`
			INSERT INTO group_facts (scope_id, fact, topic, importance, source_message_ids, source_messages, involved_users, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			scopeID, c.Fact, c.Topic, c.Importance,
			marshalStrings(c.SourceMessageIDs), c.SourceMessages, marshalStrings(c.InvolvedUsers), now)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		return id, s.refreshFactKWTx(tx, id, scopeID, c.Fact, c.Topic)

	case err != nil:
		return 0, err

	case c.Importance > cur.Importance:
		_, err := tx.Exec(`
			UPDATE group_facts
			SET topic = ?, importance = ?, source_message_ids = ?, source_messages = ?, involved_users = ?, created_at = ?
			WHERE id = ?`,
			c.Topic, c.Importance,
			marshalStrings(c.SourceMessageIDs), c.SourceMessages, marshalStrings(c.InvolvedUsers), now, cur.ID)
		if err != nil {
			return 0, err
		}
		return cur.ID, s.refreshFactKWTx(tx, cur.ID, scopeID, c.Fact, c.Topic)

	default:
		// Lower or equal importance: row (and created_at) untouched.
		return cur.ID, nil
	}
}

func (s *Store) refreshFactKWTx(tx *sqlx.Tx, id int64, scopeID, fact, topic string) error {
	if _, err := tx.Exec(`DELETE FROM facts_kw WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := tx.Exec(`INSERT INTO facts_kw (text, topic, id, scope_id) VALUES (?, ?, ?, ?)`,
		analyzer.IndexText(s.an, fact), analyzer.IndexText(s.an, topic), id, scopeID)
	return err
}

// DeleteFact removes a fact, its keyword entry and its vector. Returns
// whether a row existed for this id in this scope; a wrong-scope id is
// not-found and leaves the store unchanged.
func (s *Store) DeleteFact(scopeID string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM group_facts WHERE id = ? AND scope_id = ?`, id, scopeID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(`DELETE FROM facts_kw WHERE id = ?`, id); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`DELETE FROM fact_vectors WHERE fact_id = ?`, id); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// ListFacts returns a page of facts ordered by importance then recency.
func (s *Store) ListFacts(scopeID string, limit, offset int) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var rows []factRow
	err := s.db.Select(&rows, `
		SELECT `+factColumns+` FROM group_facts
		WHERE scope_id = ?
		ORDER BY importance DESC, created_at DESC, id ASC
		LIMIT ? OFFSET ?`, scopeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	return toFacts(rows), nil
}

// FactsByImportance returns the importance-ranked fallback scan used to
// top up retrieval results.
func (s *Store) FactsByImportance(scopeID string, minImportance float64, limit int) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var rows []factRow
	err := s.db.Select(&rows, `
		SELECT `+factColumns+` FROM group_facts
		WHERE scope_id = ? AND importance >= ?
		ORDER BY importance DESC, created_at DESC, id ASC
		LIMIT ?`, scopeID, minImportance, limit)
	if err != nil {
		return nil, fmt.Errorf("importance scan: %w", err)
	}
	return toFacts(rows), nil
}

// FactsByIDs loads facts by id within a scope, keyed for reassembly in
// caller-defined order.
func (s *Store) FactsByIDs(scopeID string, ids []int64) (map[int64]Fact, error) {
	if len(ids) == 0 {
		return map[int64]Fact{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args, err := sqlx.In(`SELECT `+factColumns+` FROM group_facts WHERE scope_id = ? AND id IN (?)`, scopeID, ids)
	if err != nil {
		return nil, err
	}
	var rows []factRow
	if err := s.db.Select(&rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("facts by ids: %w", err)
	}

	out := make(map[int64]Fact, len(rows))
	for _, r := range rows {
		out[r.ID] = r.toFact()
	}
	return out, nil
}

// ScoredFact is a keyword search hit. Score is the normalized BM25 rank
// 1/(1+abs(rank)): smaller means a stronger match under this scheme, so
// threshold filters drop results whose score exceeds the configured max.
type ScoredFact struct {
	Fact
	Score float64
}

// SearchFactsKeyword runs the analyzer-backed FTS5 search, best matches
// first.
func (s *Store) SearchFactsKeyword(scopeID, query string, limit int) ([]ScoredFact, error) {
	match := analyzer.MatchQuery(s.an, query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	hits, err := s.keywordHits(scopeID, match, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	byID, err := s.FactsByIDs(scopeID, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredFact, 0, len(hits))
	for _, h := range hits {
		f, ok := byID[h.id]
		if !ok {
			continue
		}
		results = append(results, ScoredFact{Fact: f, Score: h.score})
	}
	return results, nil
}

type kwHit struct {
	id    int64
	score float64
}

func (s *Store) keywordHits(scopeID, match string, limit int) ([]kwHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, 1.0 / (1.0 + abs(rank)) AS score
		FROM facts_kw
		WHERE facts_kw MATCH ? AND scope_id = ?
		ORDER BY rank, id
		LIMIT ?`, match, scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var hits []kwHit
	for rows.Next() {
		var h kwHit
		if err := rows.Scan(&h.id, &h.score); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchFactsSubstring is the raw LIKE fallback used to top up keyword
// results, ordered by importance then recency.
func (s *Store) SearchFactsSubstring(scopeID, query string, limit int) ([]Fact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	var rows []factRow
	err := s.db.Select(&rows, `
		SELECT `+factColumns+` FROM group_facts
		WHERE scope_id = ? AND (fact LIKE ? OR topic LIKE ?)
		ORDER BY importance DESC, created_at DESC, id ASC
		LIMIT ?`, scopeID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("substring scan: %w", err)
	}
	return toFacts(rows), nil
}

func toFacts(rows []factRow) []Fact {
	facts := make([]Fact, len(rows))
	for i, r := range rows {
		facts[i] = r.toFact()
	}
	return facts
}

