// Package ingest accumulates chat messages per scope, deduplicates
// them by timestamp/id, and flushes batches through the extraction
// collaborator into the memory store.
package ingest

import (
	"context"

	"github.com/nextlevelbuilder/memoclaw/internal/store"
)

// ChatMessage is the canonical message shape every platform adapter
// must produce before calling Push. The core never branches on
// platform-specific field names; adapters do the mapping.
type ChatMessage struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Nickname    string `json:"nickname"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestampMs"`
	ScopeID     string `json:"scopeId,omitempty"` // empty = private message, routed elsewhere
}

// Extraction is what the extraction collaborator distills from a batch
// of messages.
type Extraction struct {
	Facts    []store.FactCandidate
	Memories []store.MemoryCandidate
}

// Extractor turns a batch of messages into fact/memory candidates.
// Usually backed by an LLM call; the engine only sees this interface.
type Extractor interface {
	Extract(ctx context.Context, scopeID string, msgs []ChatMessage) (*Extraction, error)
}

// HistoryFetcher pulls historical messages for a scope from the chat
// platform, starting after the given cursor.
type HistoryFetcher interface {
	Fetch(ctx context.Context, scopeID string, cursor store.Cursor, limit int) ([]ChatMessage, error)
}
