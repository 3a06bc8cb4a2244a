package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/memoclaw/internal/config"
	"github.com/nextlevelbuilder/memoclaw/internal/store"
)

// mapEmbedder returns canned vectors keyed by exact text.
type mapEmbedder struct {
	vectors map[string][]float32
}

func (e mapEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func retrievalConfig(mutate func(*config.RetrievalConfig)) *config.Manager {
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Retrieval)
	}
	return config.NewManager(cfg)
}

func newTestEngine(t *testing.T, cfg *config.Manager, emb store.Embedder) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "memory.db"), store.Options{Embedder: emb})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(cfg, s), s
}

// seedHobbyFacts saves two facts with embeddings on orthogonal axes:
// the hiking fact on [1,0], the cooking fact on [0,1].
func seedHobbyFacts(t *testing.T) (*store.Store, mapEmbedder) {
	t.Helper()
	emb := mapEmbedder{vectors: map[string][]float32{
		"alice likes hiking": {1, 0},
		"bob likes cooking":  {0, 1},
	}}
	s, err := store.Open(filepath.Join(t.TempDir(), "memory.db"), store.Options{Embedder: emb})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	_, err = s.SaveFacts(context.Background(), "g1", []store.FactCandidate{
		{Fact: "alice likes hiking", Importance: 0.5},
		{Fact: "bob likes cooking", Importance: 0.9},
	})
	if err != nil {
		t.Fatalf("SaveFacts: %v", err)
	}
	return s, emb
}

func factTexts(facts []store.Fact) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = f.Fact
	}
	return out
}

func TestQuery_EmptyReturnsImportanceRanked(t *testing.T) {
	e, s := newTestEngine(t, retrievalConfig(nil), nil)
	s.SaveFacts(context.Background(), "g1", []store.FactCandidate{
		{Fact: "minor detail", Importance: 0.2},
		{Fact: "major event", Importance: 0.9},
	})

	facts := e.Query(context.Background(), "g1", "", 10, 0)
	if len(facts) != 2 {
		t.Fatalf("facts = %v", factTexts(facts))
	}
	if facts[0].Fact != "major event" {
		t.Errorf("order = %v", factTexts(facts))
	}
}

func TestQuery_HybridVectorFirst(t *testing.T) {
	s, emb := seedHobbyFacts(t)
	// The query text embeds onto the hiking axis even though it keyword-
	// matches the cooking fact. Vector-preferred hybrid must place the
	// vector hit first.
	emb.vectors["cooking"] = []float32{1, 0}

	cfg := retrievalConfig(nil) // hybrid, prefer vector
	e := New(cfg, s)

	facts := e.Query(context.Background(), "g1", "cooking", 2, 0)
	if len(facts) != 2 {
		t.Fatalf("facts = %v", factTexts(facts))
	}
	if facts[0].Fact != "alice likes hiking" || facts[1].Fact != "bob likes cooking" {
		t.Errorf("order = %v", factTexts(facts))
	}
}

func TestQuery_HybridKeywordFirst(t *testing.T) {
	s, emb := seedHobbyFacts(t)
	emb.vectors["cooking"] = []float32{1, 0}

	cfg := retrievalConfig(func(rc *config.RetrievalConfig) {
		rc.Prefer = config.ModeKeyword
	})
	e := New(cfg, s)

	facts := e.Query(context.Background(), "g1", "cooking", 2, 0)
	if len(facts) != 2 {
		t.Fatalf("facts = %v", factTexts(facts))
	}
	if facts[0].Fact != "bob likes cooking" || facts[1].Fact != "alice likes hiking" {
		t.Errorf("order = %v", factTexts(facts))
	}
}

func TestQuery_VectorModeDistanceFilter(t *testing.T) {
	s, emb := seedHobbyFacts(t)
	emb.vectors["outdoor plans"] = []float32{1, 0}

	cfg := retrievalConfig(func(rc *config.RetrievalConfig) {
		rc.Mode = config.ModeVector
		rc.MaxDistance = 0.5
	})
	e := New(cfg, s)

	// The cooking fact is beyond the distance threshold, so despite its
	// higher importance it only enters through the fallback, after the
	// vector hit.
	facts := e.Query(context.Background(), "g1", "outdoor plans", 2, 0)
	if len(facts) != 2 {
		t.Fatalf("facts = %v", factTexts(facts))
	}
	if facts[0].Fact != "alice likes hiking" {
		t.Errorf("order = %v", factTexts(facts))
	}
}

func TestQuery_KeywordScoreFilterFallsBack(t *testing.T) {
	s, _ := seedHobbyFacts(t)

	cfg := retrievalConfig(func(rc *config.RetrievalConfig) {
		rc.Mode = config.ModeKeyword
		rc.MaxKeywordScore = 0.000001
	})
	e := New(cfg, s)

	// All keyword hits exceed the (absurdly strict) score threshold and
	// the two-word query is not a substring of any fact, so the result
	// is exactly the importance-ranked fallback.
	facts := e.Query(context.Background(), "g1", "hiking trips", 2, 0)
	if len(facts) != 2 {
		t.Fatalf("facts = %v", factTexts(facts))
	}
	if facts[0].Fact != "bob likes cooking" {
		t.Errorf("order = %v, want importance-ranked", factTexts(facts))
	}
}

func TestQuery_NoMatchesEqualsImportanceFallback(t *testing.T) {
	e, s := newTestEngine(t, retrievalConfig(nil), nil)
	s.SaveFacts(context.Background(), "g1", []store.FactCandidate{
		{Fact: "minor detail", Importance: 0.2},
		{Fact: "major event", Importance: 0.9},
	})

	// No embedder, no keyword hit, no substring hit: the hybrid result
	// must equal the plain importance-ranked list.
	got := e.Query(context.Background(), "g1", "xylophone", 2, 0)
	want := e.Query(context.Background(), "g1", "", 2, 0)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", factTexts(got), factTexts(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("position %d: got %q, want %q", i, got[i].Fact, want[i].Fact)
		}
	}
}

func TestQuery_Deduplicates(t *testing.T) {
	s, emb := seedHobbyFacts(t)
	// Both methods resolve to the hiking fact.
	emb.vectors["hiking"] = []float32{1, 0}

	e := New(retrievalConfig(nil), s)
	facts := e.Query(context.Background(), "g1", "hiking", 10, 0)

	seen := map[int64]int{}
	for _, f := range facts {
		seen[f.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("fact %d appears %d times", id, n)
		}
	}
	if facts[0].Fact != "alice likes hiking" {
		t.Errorf("order = %v", factTexts(facts))
	}
}

// emptyEmbedder succeeds but returns no vectors, as some providers do
// for filtered input.
type emptyEmbedder struct{}

func (emptyEmbedder) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, nil
}

func TestQuery_EmptyEmbeddingFallsBack(t *testing.T) {
	e, s := newTestEngine(t, retrievalConfig(nil), emptyEmbedder{})
	s.SaveFacts(context.Background(), "g1", []store.FactCandidate{
		{Fact: "minor detail", Importance: 0.2},
		{Fact: "major event", Importance: 0.9},
	})

	facts := e.Query(context.Background(), "g1", "xylophone", 2, 0)
	if len(facts) != 2 {
		t.Fatalf("facts = %v", factTexts(facts))
	}
	if facts[0].Fact != "major event" {
		t.Errorf("order = %v, want importance-ranked", factTexts(facts))
	}
}

func TestQuery_DefaultLimit(t *testing.T) {
	cfg := retrievalConfig(func(rc *config.RetrievalConfig) {
		rc.DefaultLimit = 2
	})
	e, s := newTestEngine(t, cfg, nil)

	var cands []store.FactCandidate
	for i := 0; i < 5; i++ {
		cands = append(cands, store.FactCandidate{Fact: fmt.Sprintf("fact number %d", i), Importance: 0.5})
	}
	s.SaveFacts(context.Background(), "g1", cands)

	if facts := e.Query(context.Background(), "g1", "", 0, 0); len(facts) != 2 {
		t.Errorf("facts = %d, want default limit 2", len(facts))
	}
}

func TestQuery_MinImportanceFiltersFallback(t *testing.T) {
	e, s := newTestEngine(t, retrievalConfig(nil), nil)
	s.SaveFacts(context.Background(), "g1", []store.FactCandidate{
		{Fact: "minor detail", Importance: 0.2},
		{Fact: "major event", Importance: 0.9},
	})

	facts := e.Query(context.Background(), "g1", "", 10, 0.5)
	if len(facts) != 1 || facts[0].Fact != "major event" {
		t.Errorf("facts = %v", factTexts(facts))
	}
}
