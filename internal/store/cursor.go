package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Cursor marks the last message seen for a scope, used to resume
// history polling and reject already-seen messages across restarts.
type Cursor struct {
	ScopeID       string `db:"scope_id" json:"scopeId"`
	LastMessageID string `db:"last_message_id" json:"lastMessageId"`
	LastTimestamp int64  `db:"last_timestamp" json:"lastTimestamp"`
}

// GetCursor returns the persisted cursor for a scope, or a zero cursor
// when none exists yet.
func (s *Store) GetCursor(scopeID string) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Cursor
	err := s.db.Get(&c, `SELECT scope_id, last_message_id, last_timestamp FROM history_cursors WHERE scope_id = ?`, scopeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{ScopeID: scopeID}, nil
	}
	if err != nil {
		return Cursor{ScopeID: scopeID}, fmt.Errorf("get cursor: %w", err)
	}
	return c, nil
}

// SaveCursor advances the persisted cursor for a scope. The stored
// timestamp is monotonically non-decreasing: an older timestamp is a
// no-op.
func (s *Store) SaveCursor(scopeID, lastMessageID string, lastTimestamp int64) error {
	if scopeID == "" {
		return nil
	}
	if err := ValidateID(scopeID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO history_cursors (scope_id, last_message_id, last_timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_timestamp = excluded.last_timestamp
		WHERE excluded.last_timestamp >= history_cursors.last_timestamp`,
		scopeID, lastMessageID, lastTimestamp)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
