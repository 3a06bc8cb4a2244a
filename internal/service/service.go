// Package service is the memory engine facade: it applies the scope
// policy before delegating to the store, buffer and retrieval engine,
// and is the only package other subsystems call. Disabled scopes make
// mutating calls no-ops and queries empty; callers must not assume a
// side effect occurred.
package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/memoclaw/internal/ingest"
	"github.com/nextlevelbuilder/memoclaw/internal/policy"
	"github.com/nextlevelbuilder/memoclaw/internal/retrieval"
	"github.com/nextlevelbuilder/memoclaw/internal/store"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/memoclaw/internal/service")

// Service gates all memory operations behind the scope policy.
type Service struct {
	pol    *policy.Policy
	store  *store.Store
	buffer *ingest.Buffer
	engine *retrieval.Engine
}

// New assembles the facade.
func New(pol *policy.Policy, st *store.Store, buffer *ingest.Buffer, engine *retrieval.Engine) *Service {
	return &Service{pol: pol, store: st, buffer: buffer, engine: engine}
}

// GroupMemoryEnabled reports whether group memory is active for a scope.
func (s *Service) GroupMemoryEnabled(scopeID string) bool {
	return s.pol.GroupEnabled(scopeID)
}

// UserMemoryEnabled reports whether user memory is active for a user.
func (s *Service) UserMemoryEnabled(userID string) bool {
	return s.pol.UserEnabled(userID)
}

// Push offers a message to the scope's ingestion buffer. Returns false
// without side effects when the scope is disabled or the message is
// filtered/deduplicated.
func (s *Service) Push(ctx context.Context, scopeID string, msg ingest.ChatMessage) bool {
	_, span := tracer.Start(ctx, "memory.push", trace.WithAttributes(attribute.String("scope", scopeID)))
	defer span.End()

	if !s.pol.GroupEnabled(scopeID) {
		return false
	}
	return s.buffer.Push(scopeID, msg)
}

// QueryFacts returns relevance-ranked facts for a scope, or nil when
// the scope is disabled.
func (s *Service) QueryFacts(ctx context.Context, scopeID, query string, limit int, minImportance float64) []store.Fact {
	ctx, span := tracer.Start(ctx, "memory.query", trace.WithAttributes(
		attribute.String("scope", scopeID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	if !s.pol.GroupEnabled(scopeID) {
		return nil
	}
	return s.engine.Query(ctx, scopeID, query, limit, minImportance)
}

// ListFacts returns a page of a scope's facts ordered by importance
// then recency, or nil when the scope is disabled.
func (s *Service) ListFacts(ctx context.Context, scopeID string, limit, offset int) []store.Fact {
	_, span := tracer.Start(ctx, "memory.list_facts", trace.WithAttributes(attribute.String("scope", scopeID)))
	defer span.End()

	if !s.pol.GroupEnabled(scopeID) {
		return nil
	}
	facts, err := s.store.ListFacts(scopeID, limit, offset)
	if err != nil {
		span.RecordError(err)
		return nil
	}
	return facts
}

// ListMemories returns a page of a user's memories, or nil when user
// memory is disabled for them.
func (s *Service) ListMemories(ctx context.Context, userID, groupID string, limit, offset int) []store.UserMemory {
	_, span := tracer.Start(ctx, "memory.list_memories", trace.WithAttributes(attribute.String("user", userID)))
	defer span.End()

	if !s.pol.UserEnabled(userID) {
		return nil
	}
	memories, err := s.store.ListMemories(userID, groupID, limit, offset)
	if err != nil {
		span.RecordError(err)
		return nil
	}
	return memories
}

// SaveFacts saves a batch of fact candidates directly (administrative
// path, bypassing extraction). Returns the number of rows touched; 0
// when the scope is disabled.
func (s *Service) SaveFacts(ctx context.Context, scopeID string, candidates []store.FactCandidate) int {
	ctx, span := tracer.Start(ctx, "memory.save_facts", trace.WithAttributes(
		attribute.String("scope", scopeID),
		attribute.Int("candidates", len(candidates)),
	))
	defer span.End()

	if !s.pol.GroupEnabled(scopeID) {
		return 0
	}
	n, err := s.store.SaveFacts(ctx, scopeID, candidates)
	if err != nil {
		span.RecordError(err)
	}
	return n
}

// UpsertMemories saves user-memory candidates, silently skipping users
// with memory disabled. Returns the number of rows touched.
func (s *Service) UpsertMemories(ctx context.Context, candidates []store.MemoryCandidate) int {
	ctx, span := tracer.Start(ctx, "memory.upsert_memories", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
	))
	defer span.End()

	allowed := candidates[:0:0]
	for _, c := range candidates {
		if s.pol.UserEnabled(c.UserID) {
			allowed = append(allowed, c)
		}
	}
	if len(allowed) == 0 {
		return 0
	}
	n, err := s.store.UpsertMemories(ctx, allowed)
	if err != nil {
		span.RecordError(err)
	}
	return n
}

// DeleteFact removes a fact by id within a scope. Returns whether the
// row existed; false when the scope is disabled.
func (s *Service) DeleteFact(ctx context.Context, scopeID string, id int64) bool {
	_, span := tracer.Start(ctx, "memory.delete_fact", trace.WithAttributes(
		attribute.String("scope", scopeID),
		attribute.Int64("id", id),
	))
	defer span.End()

	if !s.pol.GroupEnabled(scopeID) {
		return false
	}
	found, err := s.store.DeleteFact(scopeID, id)
	if err != nil {
		span.RecordError(err)
		return false
	}
	return found
}

// DeleteMemory removes a user memory by id, scoped to its owner.
func (s *Service) DeleteMemory(ctx context.Context, id int64, ownerID string) bool {
	_, span := tracer.Start(ctx, "memory.delete_memory", trace.WithAttributes(attribute.Int64("id", id)))
	defer span.End()

	if ownerID != "" && !s.pol.UserEnabled(ownerID) {
		return false
	}
	found, err := s.store.DeleteMemory(id, ownerID)
	if err != nil {
		span.RecordError(err)
		return false
	}
	return found
}

// FlushScope drains a scope's buffer through extraction immediately.
func (s *Service) FlushScope(ctx context.Context, scopeID string) {
	ctx, span := tracer.Start(ctx, "memory.flush_scope", trace.WithAttributes(attribute.String("scope", scopeID)))
	defer span.End()

	if !s.pol.GroupEnabled(scopeID) {
		return
	}
	s.buffer.FlushScope(ctx, scopeID)
}

// Stats reports store row counts and active index parameters.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	_, span := tracer.Start(ctx, "memory.stats")
	defer span.End()

	return s.store.GetStats()
}
