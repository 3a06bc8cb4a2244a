// Package retrieval plans relevance queries over the memory store:
// vector similarity, keyword (BM25) search, or a hybrid of both with a
// configured preference. Results merge into an ordered, id-deduplicated
// list, and every mode tops up with an importance-ranked fallback scan,
// so a query is deterministic given identical store state and never
// errors out to the caller.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/memoclaw/internal/analyzer"
	"github.com/nextlevelbuilder/memoclaw/internal/config"
	"github.com/nextlevelbuilder/memoclaw/internal/store"
)

// Engine executes ranked queries.
type Engine struct {
	cfg   *config.Manager
	store *store.Store
}

// New creates a retrieval engine over st.
func New(cfg *config.Manager, st *store.Store) *Engine {
	return &Engine{cfg: cfg, store: st}
}

// Query returns up to limit facts for the scope, ranked by the
// configured mode. An empty query skips vector/keyword entirely and
// returns the plain importance-ranked list.
func (e *Engine) Query(ctx context.Context, scopeID, queryText string, limit int, minImportance float64) []store.Fact {
	rc := e.cfg.Get().Retrieval
	if limit <= 0 {
		limit = rc.DefaultLimit
	}
	if minImportance <= 0 {
		minImportance = rc.MinImportance
	}

	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		facts, err := e.store.FactsByImportance(scopeID, minImportance, limit)
		if err != nil {
			slog.Warn("importance scan failed", "scope", scopeID, "error", err)
			return nil
		}
		return facts
	}

	sel := newSelection(limit)

	switch rc.Mode {
	case config.ModeVector:
		e.addVector(ctx, sel, scopeID, queryText, rc)
	case config.ModeKeyword:
		e.addKeyword(sel, scopeID, queryText, rc)
	default: // hybrid
		first, second := e.addVector, e.addKeywordCtx
		if rc.Prefer == config.ModeKeyword {
			first, second = e.addKeywordCtx, e.addVector
		}
		first(ctx, sel, scopeID, queryText, rc)
		if !sel.full() {
			second(ctx, sel, scopeID, queryText, rc)
		}
	}

	// Final top-up: importance-ranked fallback until limit or the
	// scope is exhausted. Already-placed results keep their position.
	if !sel.full() {
		facts, err := e.store.FactsByImportance(scopeID, minImportance, limit+sel.len())
		if err != nil {
			slog.Warn("importance scan failed", "scope", scopeID, "error", err)
		}
		for _, f := range facts {
			if sel.full() {
				break
			}
			sel.add(f)
		}
	}

	return sel.facts
}

func (e *Engine) addVector(ctx context.Context, sel *selection, scopeID, queryText string, rc config.RetrievalConfig) {
	embedder := e.store.Embedder()
	if embedder == nil {
		return
	}

	vecs, err := embedder.Embed(ctx, []string{queryText})
	if err != nil {
		slog.Warn("query embedding failed", "scope", scopeID, "error", err)
		return
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		slog.Warn("query embedding empty, skipping vector search", "scope", scopeID)
		return
	}
	queryVec := vecs[0]

	entries, err := e.store.FactVectors(scopeID)
	if err != nil {
		slog.Warn("vector load failed", "scope", scopeID, "error", err)
		return
	}

	type scored struct {
		id  int64
		sim float64
	}
	var results []scored
	for _, entry := range entries {
		if len(entry.Embedding) != len(queryVec) {
			continue
		}
		sim := store.CosineSimilarity(queryVec, entry.Embedding)
		if rc.MaxDistance > 0 && 1-sim > rc.MaxDistance {
			continue
		}
		results = append(results, scored{id: entry.FactID, sim: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].sim != results[j].sim {
			return results[i].sim > results[j].sim
		}
		return results[i].id < results[j].id
	})
	if len(results) > sel.limit {
		results = results[:sel.limit]
	}

	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.id
	}
	byID, err := e.store.FactsByIDs(scopeID, ids)
	if err != nil {
		slog.Warn("fact load failed", "scope", scopeID, "error", err)
		return
	}
	for _, r := range results {
		if f, ok := byID[r.id]; ok {
			sel.add(f)
		}
	}
}

// addKeywordCtx adapts addKeyword to the hybrid dispatch signature.
func (e *Engine) addKeywordCtx(_ context.Context, sel *selection, scopeID, queryText string, rc config.RetrievalConfig) {
	e.addKeyword(sel, scopeID, queryText, rc)
}

func (e *Engine) addKeyword(sel *selection, scopeID, queryText string, rc config.RetrievalConfig) {
	hits, err := e.store.SearchFactsKeyword(scopeID, queryText, sel.limit)
	if err != nil {
		slog.Warn("keyword search failed", "scope", scopeID, "error", err)
	}
	for _, h := range hits {
		// Score is a normalized BM25 rank where larger means weaker;
		// the threshold prunes weak matches.
		if rc.MaxKeywordScore > 0 && h.Score > rc.MaxKeywordScore {
			continue
		}
		sel.add(h.Fact)
	}

	if sel.full() {
		return
	}

	// Top up with a raw substring scan ordered by importance/recency.
	facts, err := e.store.SearchFactsSubstring(scopeID, analyzer.SanitizeQuery(queryText), sel.limit)
	if err != nil {
		slog.Warn("substring search failed", "scope", scopeID, "error", err)
		return
	}
	for _, f := range facts {
		if sel.full() {
			return
		}
		sel.add(f)
	}
}

// selection is an ordered, id-deduplicated, capacity-bounded result
// collector. Once placed, a result never moves.
type selection struct {
	limit int
	seen  map[int64]struct{}
	facts []store.Fact
}

func newSelection(limit int) *selection {
	return &selection{
		limit: limit,
		seen:  make(map[int64]struct{}, limit),
	}
}

func (s *selection) add(f store.Fact) {
	if len(s.facts) >= s.limit {
		return
	}
	if _, dup := s.seen[f.ID]; dup {
		return
	}
	s.seen[f.ID] = struct{}{}
	s.facts = append(s.facts, f)
}

func (s *selection) full() bool { return len(s.facts) >= s.limit }

func (s *selection) len() int { return len(s.facts) }
