package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
)

// VectorEntry pairs a fact id with its embedding.
type VectorEntry struct {
	FactID    int64
	Embedding []float32
}

// FactVectors loads all vector entries for a scope, for the in-memory
// nearest-neighbor scan.
func (s *Store) FactVectors(scopeID string) ([]VectorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT v.fact_id, v.embedding
		FROM fact_vectors v
		JOIN group_facts f ON f.id = v.fact_id
		WHERE f.scope_id = ?
		ORDER BY v.fact_id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("load fact vectors: %w", err)
	}
	defer rows.Close()

	var entries []VectorEntry
	for rows.Next() {
		var e VectorEntry
		var embJSON string
		if err := rows.Scan(&e.FactID, &embJSON); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(embJSON), &e.Embedding); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// rebuildVectorIndex drops and recreates the vector index at a new
// dimension and updates the metadata ledger. Existing vector entries
// are lost; facts are not re-embedded. This is the documented behavior
// for dimension changes, not an oversight.
func (s *Store) rebuildVectorIndex(dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Warn("vector dimension changed, rebuilding vector index",
		"recorded", s.dim, "new", dim)

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS fact_vectors`,
		`CREATE TABLE fact_vectors (
			fact_id INTEGER PRIMARY KEY,
			embedding TEXT NOT NULL DEFAULT '[]'
		)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("rebuild vector index: %w", err)
		}
	}

	if err := s.SetMetadata(metaVectorDim, fmt.Sprintf("%d", dim)); err != nil {
		return err
	}
	if s.embedModel != "" {
		if err := s.SetMetadata(metaEmbedModel, s.embedModel); err != nil {
			return err
		}
	}

	s.dim = dim
	return nil
}

func marshalVector(v []float32) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
