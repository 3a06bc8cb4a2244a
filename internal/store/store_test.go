package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// stubEmbedder produces deterministic vectors of a configurable
// dimension. The first vector component encodes the text length so
// different texts get distinguishable embeddings.
type stubEmbedder struct {
	dim  int
	fail bool
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("embedder unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, e.dim)
		if e.dim > 0 {
			v[0] = float32(len(t))
			v[e.dim-1] = 1
		}
		out[i] = v
	}
	return out, nil
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveFactsAndList(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	n, err := s.SaveFacts(ctx, "g1", []FactCandidate{
		{Fact: "alice moved to berlin", Topic: "location", Importance: 0.9},
		{Fact: "bob likes coffee", Importance: 0.4},
		{Fact: "the team ships on fridays", Importance: 0.7},
		{Fact: "   "}, // blank, dropped
	})
	if err != nil {
		t.Fatalf("SaveFacts: %v", err)
	}
	if n != 3 {
		t.Fatalf("saved = %d, want 3", n)
	}

	facts, err := s.ListFacts("g1", 10, 0)
	if err != nil {
		t.Fatalf("ListFacts: %v", err)
	}
	if len(facts) != 3 {
		t.Fatalf("listed %d facts, want 3", len(facts))
	}
	// Importance descending.
	if facts[0].Fact != "alice moved to berlin" || facts[2].Fact != "bob likes coffee" {
		t.Errorf("unexpected order: %q, %q, %q", facts[0].Fact, facts[1].Fact, facts[2].Fact)
	}

	// Other scopes see nothing.
	other, err := s.ListFacts("g2", 10, 0)
	if err != nil {
		t.Fatalf("ListFacts g2: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("scope g2 has %d facts, want 0", len(other))
	}
}

func TestSaveFacts_StickyImportance(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	save := func(imp float64) Fact {
		t.Helper()
		if _, err := s.SaveFacts(ctx, "g1", []FactCandidate{{Fact: "alice moved to berlin", Importance: imp}}); err != nil {
			t.Fatalf("SaveFacts(%v): %v", imp, err)
		}
		facts, err := s.ListFacts("g1", 10, 0)
		if err != nil || len(facts) != 1 {
			t.Fatalf("ListFacts: %v (%d facts)", err, len(facts))
		}
		return facts[0]
	}

	first := save(0.3)
	time.Sleep(5 * time.Millisecond)

	// Strictly greater importance wins and refreshes created_at.
	second := save(0.8)
	if second.ID != first.ID {
		t.Fatalf("re-save created a new row: %d vs %d", second.ID, first.ID)
	}
	if second.Importance != 0.8 {
		t.Errorf("importance = %v, want 0.8", second.Importance)
	}
	if second.CreatedAtMS <= first.CreatedAtMS {
		t.Errorf("created_at did not advance: %d -> %d", first.CreatedAtMS, second.CreatedAtMS)
	}

	// Lower importance leaves the row untouched.
	third := save(0.1)
	if third.Importance != 0.8 || third.CreatedAtMS != second.CreatedAtMS {
		t.Errorf("lower importance modified the row: %+v", third)
	}

	// Equal importance is also a no-op.
	fourth := save(0.8)
	if fourth.CreatedAtMS != second.CreatedAtMS {
		t.Errorf("equal importance refreshed created_at")
	}
}

func TestSaveFacts_ZeroImportanceDefaults(t *testing.T) {
	s := openTestStore(t, Options{})

	if _, err := s.SaveFacts(context.Background(), "g1", []FactCandidate{{Fact: "no importance given"}}); err != nil {
		t.Fatalf("SaveFacts: %v", err)
	}
	facts, _ := s.ListFacts("g1", 1, 0)
	if len(facts) != 1 || facts[0].Importance != 0.5 {
		t.Fatalf("importance = %v, want default 0.5", facts[0].Importance)
	}
}

func TestDeleteFact_ScopeMismatch(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	s.SaveFacts(ctx, "g1", []FactCandidate{{Fact: "alice moved to berlin"}})
	facts, _ := s.ListFacts("g1", 1, 0)
	id := facts[0].ID

	ok, err := s.DeleteFact("g2", id)
	if err != nil {
		t.Fatalf("DeleteFact wrong scope: %v", err)
	}
	if ok {
		t.Fatal("delete with wrong scope reported success")
	}
	if remaining, _ := s.ListFacts("g1", 10, 0); len(remaining) != 1 {
		t.Fatal("wrong-scope delete removed the fact")
	}

	ok, err = s.DeleteFact("g1", id)
	if err != nil || !ok {
		t.Fatalf("DeleteFact = %v, %v", ok, err)
	}
	if remaining, _ := s.ListFacts("g1", 10, 0); len(remaining) != 0 {
		t.Fatal("fact not deleted")
	}
}

func TestSearchFactsKeyword(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	s.SaveFacts(ctx, "g1", []FactCandidate{
		{Fact: "alice moved to berlin", Importance: 0.8},
		{Fact: "bob likes hiking in the alps", Importance: 0.6},
	})
	s.SaveFacts(ctx, "g2", []FactCandidate{
		{Fact: "carol moved to berlin too", Importance: 0.9},
	})

	hits, err := s.SearchFactsKeyword("g1", "who moved to Berlin?", 10)
	if err != nil {
		t.Fatalf("SearchFactsKeyword: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Fact.Fact != "alice moved to berlin" {
		t.Errorf("best hit = %q", hits[0].Fact.Fact)
	}
	for _, h := range hits {
		if h.ScopeID != "g1" {
			t.Errorf("hit leaked from scope %q", h.ScopeID)
		}
		if h.Score <= 0 || h.Score > 1 {
			t.Errorf("score %v out of (0, 1]", h.Score)
		}
	}

	if hits, _ := s.SearchFactsKeyword("g1", "", 10); hits != nil {
		t.Errorf("empty query returned %d hits", len(hits))
	}
}

func TestSearchFactsSubstring(t *testing.T) {
	s := openTestStore(t, Options{})
	s.SaveFacts(context.Background(), "g1", []FactCandidate{
		{Fact: "the deploy runs at midnight", Importance: 0.5},
	})

	facts, err := s.SearchFactsSubstring("g1", "midnight", 10)
	if err != nil || len(facts) != 1 {
		t.Fatalf("substring search = %d facts, err %v", len(facts), err)
	}
	if facts, _ := s.SearchFactsSubstring("g1", "nomatch", 10); len(facts) != 0 {
		t.Error("unexpected substring hit")
	}
}

func TestFactsByImportance(t *testing.T) {
	s := openTestStore(t, Options{})
	s.SaveFacts(context.Background(), "g1", []FactCandidate{
		{Fact: "minor detail", Importance: 0.2},
		{Fact: "major event", Importance: 0.9},
	})

	facts, err := s.FactsByImportance("g1", 0.5, 10)
	if err != nil {
		t.Fatalf("FactsByImportance: %v", err)
	}
	if len(facts) != 1 || facts[0].Fact != "major event" {
		t.Errorf("facts = %+v", facts)
	}
}

func TestVectorWriteAndDimensionRebuild(t *testing.T) {
	emb := &stubEmbedder{dim: 4}
	s := openTestStore(t, Options{Embedder: emb})
	ctx := context.Background()

	s.SaveFacts(ctx, "g1", []FactCandidate{
		{Fact: "alice moved to berlin"},
		{Fact: "bob likes coffee"},
	})
	if got := s.VectorDimension(); got != 4 {
		t.Fatalf("dimension = %d, want 4", got)
	}
	vecs, err := s.FactVectors("g1")
	if err != nil || len(vecs) != 2 {
		t.Fatalf("vectors = %d, err %v", len(vecs), err)
	}

	// The embedding model moves to a larger dimension. The vector index
	// is rebuilt destructively; old entries are gone, facts survive, and
	// only the new save is vectorized.
	emb.dim = 8
	s.SaveFacts(ctx, "g1", []FactCandidate{{Fact: "carol plays chess"}})

	if got := s.VectorDimension(); got != 8 {
		t.Fatalf("dimension after rebuild = %d, want 8", got)
	}
	vecs, err = s.FactVectors("g1")
	if err != nil {
		t.Fatalf("FactVectors: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("vectors after rebuild = %d, want 1", len(vecs))
	}
	if len(vecs[0].Embedding) != 8 {
		t.Errorf("embedding dim = %d, want 8", len(vecs[0].Embedding))
	}
	if facts, _ := s.ListFacts("g1", 10, 0); len(facts) != 3 {
		t.Errorf("facts after rebuild = %d, want 3", len(facts))
	}
}

func TestSaveFacts_EmbedFailureDegrades(t *testing.T) {
	s := openTestStore(t, Options{Embedder: &stubEmbedder{dim: 4, fail: true}})

	n, err := s.SaveFacts(context.Background(), "g1", []FactCandidate{{Fact: "still lands"}})
	if err != nil || n != 1 {
		t.Fatalf("SaveFacts = %d, %v", n, err)
	}
	if vecs, _ := s.FactVectors("g1"); len(vecs) != 0 {
		t.Errorf("unexpected vectors: %d", len(vecs))
	}
}

func TestUpsertMemories_DerivedKey(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	cand := MemoryCandidate{UserID: "u1", Value: "prefers dark roast", Importance: 0.6}
	if _, err := s.UpsertMemories(ctx, []MemoryCandidate{cand}); err != nil {
		t.Fatalf("UpsertMemories: %v", err)
	}
	// Same value, still no key: must land on the same row.
	if _, err := s.UpsertMemories(ctx, []MemoryCandidate{cand}); err != nil {
		t.Fatalf("UpsertMemories (again): %v", err)
	}

	memories, err := s.ListMemories("u1", "", 10, 0)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("memories = %d, want 1", len(memories))
	}
	if memories[0].Key != ContentHash("prefers dark roast") {
		t.Errorf("key = %q, want content hash", memories[0].Key)
	}
}

func TestUpsertMemories_RefreshesValue(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	s.UpsertMemories(ctx, []MemoryCandidate{{UserID: "u1", Key: "city", Value: "berlin", Importance: 0.8}})
	time.Sleep(5 * time.Millisecond)
	s.UpsertMemories(ctx, []MemoryCandidate{{UserID: "u1", Key: "city", Value: "munich", Importance: 0.3}})

	memories, _ := s.ListMemories("u1", "", 10, 0)
	if len(memories) != 1 {
		t.Fatalf("memories = %d, want 1", len(memories))
	}
	m := memories[0]
	// Memory upserts are not sticky: the latest value and importance win.
	if m.Value != "munich" || m.Importance != 0.3 {
		t.Errorf("memory = %+v", m)
	}
	if m.UpdatedAtMS <= m.CreatedAtMS {
		t.Errorf("updated_at did not advance: %d vs %d", m.UpdatedAtMS, m.CreatedAtMS)
	}
}

func TestListMemories_GroupIncludesCrossGroup(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	s.UpsertMemories(ctx, []MemoryCandidate{
		{UserID: "u1", GroupID: "g1", Key: "a", Value: "group scoped"},
		{UserID: "u1", Key: "b", Value: "cross group"},
		{UserID: "u1", GroupID: "g2", Key: "c", Value: "other group"},
	})

	memories, err := s.ListMemories("u1", "g1", 10, 0)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(memories) != 2 {
		t.Fatalf("memories = %d, want 2 (group + cross-group)", len(memories))
	}
}

func TestDeleteMemory_OwnerRestricted(t *testing.T) {
	s := openTestStore(t, Options{})
	s.UpsertMemories(context.Background(), []MemoryCandidate{{UserID: "u1", Key: "k", Value: "v"}})
	memories, _ := s.ListMemories("u1", "", 1, 0)
	id := memories[0].ID

	if ok, _ := s.DeleteMemory(id, "u2"); ok {
		t.Fatal("delete by non-owner reported success")
	}
	if ok, _ := s.DeleteMemory(id, "u1"); !ok {
		t.Fatal("delete by owner failed")
	}
	if ok, _ := s.DeleteMemory(id, "u1"); ok {
		t.Fatal("double delete reported success")
	}
}

func TestCursorMonotonic(t *testing.T) {
	s := openTestStore(t, Options{})

	c, err := s.GetCursor("g1")
	if err != nil || c.LastTimestamp != 0 {
		t.Fatalf("fresh cursor = %+v, err %v", c, err)
	}

	if err := s.SaveCursor("g1", "m100", 100); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	// Older timestamp must not move the cursor back.
	if err := s.SaveCursor("g1", "m50", 50); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	c, _ = s.GetCursor("g1")
	if c.LastTimestamp != 100 || c.LastMessageID != "m100" {
		t.Errorf("cursor regressed: %+v", c)
	}

	if err := s.SaveCursor("g1", "m200", 200); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	c, _ = s.GetCursor("g1")
	if c.LastTimestamp != 200 || c.LastMessageID != "m200" {
		t.Errorf("cursor did not advance: %+v", c)
	}
}

func TestTokenizerMigrationRebuildsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.SaveFacts(context.Background(), "g1", []FactCandidate{{Fact: "alice moved to berlin"}}); err != nil {
		t.Fatalf("SaveFacts: %v", err)
	}
	// Simulate a database written under a different tokenizer variant.
	if err := s.SetMetadata(metaTokenizer, "legacy"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	s.Close()

	s, err = Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	recorded, ok, _ := s.Metadata(metaTokenizer)
	if !ok || recorded != "default" {
		t.Errorf("tokenizer metadata = %q, want default", recorded)
	}
	// The rebuilt index is repopulated from relational rows.
	hits, err := s.SearchFactsKeyword("g1", "berlin", 10)
	if err != nil || len(hits) != 1 {
		t.Fatalf("post-migration search = %d hits, err %v", len(hits), err)
	}
}

func TestVectorDimensionOverrideAtOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")

	s, err := Open(path, Options{Embedder: &stubEmbedder{dim: 4}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SaveFacts(context.Background(), "g1", []FactCandidate{{Fact: "alice moved to berlin"}})
	s.Close()

	s, err = Open(path, Options{VectorDimension: 8})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if got := s.VectorDimension(); got != 8 {
		t.Errorf("dimension = %d, want 8", got)
	}
	if vecs, _ := s.FactVectors("g1"); len(vecs) != 0 {
		t.Errorf("old vectors survived the rebuild: %d", len(vecs))
	}
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t, Options{Embedder: &stubEmbedder{dim: 4}})
	ctx := context.Background()

	s.SaveFacts(ctx, "g1", []FactCandidate{{Fact: "a fact"}})
	s.UpsertMemories(ctx, []MemoryCandidate{{UserID: "u1", Key: "k", Value: "v"}})
	s.SaveCursor("g1", "m1", 1)

	st, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.FactCount != 1 || st.MemoryCount != 1 || st.VectorCount != 1 || st.CursorCount != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.Tokenizer != "default" || st.VectorDimension != 4 {
		t.Errorf("index stats = %+v", st)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors: %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("length mismatch: %v", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("zero vector: %v", got)
	}
}

func TestOpenAppliesEmbedRateLimit(t *testing.T) {
	e := &stubEmbedder{dim: 4}

	s := openTestStore(t, Options{Embedder: e, EmbedRPM: 600})
	if s.Embedder() == Embedder(e) {
		t.Error("EmbedRPM > 0 must wrap the embedder")
	}
	// The wrapped embedder still serves the live save path.
	if _, err := s.SaveFacts(context.Background(), "g1", []FactCandidate{{Fact: "alice moved to berlin"}}); err != nil {
		t.Fatalf("SaveFacts: %v", err)
	}
	if vecs, _ := s.FactVectors("g1"); len(vecs) != 1 {
		t.Errorf("vectors = %d, want 1", len(vecs))
	}

	plain := openTestStore(t, Options{Embedder: e})
	if plain.Embedder() != Embedder(e) {
		t.Error("EmbedRPM 0 must leave the embedder unwrapped")
	}
}

func TestRateLimitedPassthrough(t *testing.T) {
	e := &stubEmbedder{dim: 2}
	if got := RateLimited(e, 0); got != Embedder(e) {
		t.Error("rpm 0 must return the embedder unchanged")
	}
	if got := RateLimited(nil, 60); got != nil {
		t.Error("nil embedder must stay nil")
	}

	limited := RateLimited(e, 600)
	vecs, err := limited.Embed(context.Background(), []string{"a"})
	if err != nil || len(vecs) != 1 {
		t.Fatalf("limited embed = %v, %v", vecs, err)
	}
}
