package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/memoclaw/internal/config"
	"github.com/nextlevelbuilder/memoclaw/internal/store"
)

// dedupSetSize bounds the set of message keys remembered for the
// current (latest) timestamp of each scope.
const dedupSetSize = 200

// Buffer is the per-scope ingestion accumulator. Push is safe for
// concurrent use; at most one flush runs per scope at a time.
type Buffer struct {
	cfg       *config.Manager
	store     *store.Store
	extractor Extractor

	mu     sync.Mutex
	scopes map[string]*scopeState
	wg     sync.WaitGroup
}

type scopeState struct {
	mu          sync.Mutex
	msgs        []ChatMessage
	lastTS      int64
	seen        *lru.Cache[string, struct{}]
	lastFlushAt time.Time
	flushing    atomic.Bool
}

// NewBuffer creates an ingestion buffer. extractor may be nil; flushes
// then drop their batches with a warning (no model configured).
func NewBuffer(cfg *config.Manager, st *store.Store, extractor Extractor) *Buffer {
	return &Buffer{
		cfg:       cfg,
		store:     st,
		extractor: extractor,
		scopes:    make(map[string]*scopeState),
	}
}

// Push offers a message to the scope's buffer. Returns whether the
// message was accepted; rejected and deduplicated messages cause no
// state change. Accepted messages advance the persisted history cursor,
// and may schedule an asynchronous flush.
func (b *Buffer) Push(scopeID string, msg ChatMessage) bool {
	cfg := b.cfg.Get()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return false
	}
	if cfg.Ingest.CommandPrefix != "" && strings.HasPrefix(text, cfg.Ingest.CommandPrefix) {
		return false
	}
	if cfg.Ingest.SelfID != "" && msg.UserID == cfg.Ingest.SelfID {
		return false
	}
	if msg.ScopeID == "" || scopeID == "" {
		// Private messages are routed to a different subsystem.
		return false
	}

	st := b.scope(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	key := dedupKey(msg)
	switch {
	case msg.TimestampMS < st.lastTS:
		return false
	case msg.TimestampMS == st.lastTS:
		if st.seen.Contains(key) {
			return false
		}
		st.seen.Add(key, struct{}{})
	default:
		// Newer timestamp: the previous set is obsolete.
		st.seen.Purge()
		st.seen.Add(key, struct{}{})
		st.lastTS = msg.TimestampMS
	}

	st.msgs = append(st.msgs, msg)

	if err := b.store.SaveCursor(scopeID, msg.ID, msg.TimestampMS); err != nil {
		slog.Warn("cursor save failed", "scope", scopeID, "error", err)
	}

	if len(st.msgs) >= cfg.Ingest.MinMessageCount ||
		time.Since(st.lastFlushAt) >= time.Duration(cfg.Ingest.MaxWindowSeconds)*time.Second {
		b.scheduleFlush(scopeID, st)
	}

	return true
}

// Size returns the number of buffered messages for a scope.
func (b *Buffer) Size(scopeID string) int {
	b.mu.Lock()
	st, ok := b.scopes[scopeID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.msgs)
}

// FlushScope drains a scope's buffer synchronously. A flush already in
// flight for the scope makes this a no-op (busy-skip).
func (b *Buffer) FlushScope(ctx context.Context, scopeID string) {
	b.mu.Lock()
	st, ok := b.scopes[scopeID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if !st.flushing.CompareAndSwap(false, true) {
		return
	}
	defer st.flushing.Store(false)
	b.flush(ctx, scopeID, st)
}

// Drain flushes every scope and waits for in-flight flushes. Used at
// shutdown so buffered messages are not silently discarded.
func (b *Buffer) Drain(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.scopes))
	for id := range b.scopes {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.FlushScope(ctx, id)
	}
	b.wg.Wait()
}

func (b *Buffer) scope(scopeID string) *scopeState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.scopes[scopeID]
	if !ok {
		seen, _ := lru.New[string, struct{}](dedupSetSize)
		st = &scopeState{
			seen:        seen,
			lastFlushAt: time.Now(),
		}
		b.scopes[scopeID] = st
	}
	return st
}

// scheduleFlush starts an asynchronous flush for the scope unless one
// is already running (busy-skip, never queued). Caller holds st.mu.
func (b *Buffer) scheduleFlush(scopeID string, st *scopeState) {
	if !st.flushing.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer st.flushing.Store(false)
		// External calls carry no engine-imposed timeout; a hung
		// extractor only delays this scope's next flush.
		b.flush(context.Background(), scopeID, st)
	}()
}

// flush swaps the scope's buffer for an empty one, runs extraction on
// the swapped-out batch and saves the results. The swap means pushes
// arriving during the (slow) extraction call land in the fresh buffer
// and are never lost.
func (b *Buffer) flush(ctx context.Context, scopeID string, st *scopeState) {
	st.mu.Lock()
	batch := st.msgs
	st.msgs = nil
	st.lastFlushAt = time.Now()
	st.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	runID := uuid.NewString()
	if b.extractor == nil {
		slog.Warn("no extractor configured, dropping batch",
			"scope", scopeID, "run", runID, "count", len(batch))
		return
	}

	ext, err := b.extractor.Extract(ctx, scopeID, batch)
	if err != nil {
		// The batch is lost on purpose: re-buffering would replay the
		// same failure and stall the scope.
		slog.Warn("extraction failed, batch lost",
			"scope", scopeID, "run", runID, "count", len(batch), "error", err)
		return
	}
	if ext == nil {
		return
	}

	if len(ext.Facts) > 0 {
		if n, err := b.store.SaveFacts(ctx, scopeID, ext.Facts); err != nil {
			slog.Warn("fact save failed", "scope", scopeID, "run", runID, "error", err)
		} else {
			slog.Info("facts saved", "scope", scopeID, "run", runID, "count", n)
		}
	}
	if len(ext.Memories) > 0 {
		if n, err := b.store.UpsertMemories(ctx, ext.Memories); err != nil {
			slog.Warn("memory save failed", "scope", scopeID, "run", runID, "error", err)
		} else {
			slog.Info("memories saved", "scope", scopeID, "run", runID, "count", n)
		}
	}
}

// dedupKey identifies a message within one timestamp: the platform
// message id when present, otherwise a composite of timestamp, sender
// and a text prefix.
func dedupKey(msg ChatMessage) string {
	if msg.ID != "" {
		return msg.ID
	}
	return fmt.Sprintf("%d|%s|%s", msg.TimestampMS, msg.UserID, firstRunes(msg.Text, 32))
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
