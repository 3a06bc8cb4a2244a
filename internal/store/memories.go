package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/memoclaw/internal/analyzer"
)

// UserMemory is a durable user-scoped statement, optionally qualified
// by a group. An empty GroupID means cross-group.
type UserMemory struct {
	ID              int64   `json:"id"`
	UserID          string  `json:"userId"`
	GroupID         string  `json:"groupId,omitempty"`
	Key             string  `json:"key"`
	Value           string  `json:"value"`
	Importance      float64 `json:"importance"`
	SourceMessageID string  `json:"sourceMessageId,omitempty"`
	CreatedAtMS     int64   `json:"createdAtMs"`
	UpdatedAtMS     int64   `json:"updatedAtMs"`
}

// MemoryCandidate is an extraction result to be upserted as a user
// memory. An empty Key derives one from a content hash of Value.
type MemoryCandidate struct {
	UserID          string
	GroupID         string
	Key             string
	Value           string
	Importance      float64
	SourceMessageID string
}

type memoryRow struct {
	ID              int64   `db:"id"`
	UserID          string  `db:"user_id"`
	GroupID         string  `db:"group_id"`
	Key             string  `db:"key"`
	Value           string  `db:"value"`
	Importance      float64 `db:"importance"`
	SourceMessageID string  `db:"source_message_id"`
	CreatedAtMS     int64   `db:"created_at"`
	UpdatedAtMS     int64   `db:"updated_at"`
}

func (r memoryRow) toMemory() UserMemory {
	return UserMemory(r)
}

const memoryColumns = `id, user_id, group_id, "key", value, importance, source_message_id, created_at, updated_at`

// UpsertMemories saves a batch of user-memory candidates. Unlike facts,
// an upsert always refreshes value, importance, source message and
// updated_at. Returns the number of rows touched.
func (s *Store) UpsertMemories(ctx context.Context, candidates []MemoryCandidate) (int, error) {
	norm := make([]MemoryCandidate, 0, len(candidates))
	for _, c := range candidates {
		c.Value = strings.TrimSpace(c.Value)
		if c.UserID == "" || c.Value == "" {
			continue
		}
		if ValidateID(c.UserID) != nil || ValidateID(c.GroupID) != nil {
			continue
		}
		if c.Key = strings.TrimSpace(c.Key); c.Key == "" {
			c.Key = ContentHash(c.Value)
		}
		c.Importance = clampImportance(c.Importance)
		norm = append(norm, c)
	}
	if len(norm) == 0 {
		return 0, nil
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
	for _, c := range norm {
		if err := s.upsertMemoryTx(tx, c, now); err != nil {
			return saved, fmt.Errorf("upsert memory: %w", err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return saved, nil
}

func (s *Store) upsertMemoryTx(tx *sqlx.Tx, c MemoryCandidate, now int64) error {
	var id int64
	err := tx.Get(&id, `SELECT id FROM user_memories WHERE user_id = ? AND group_id = ? AND "key" = ?`,
		c.UserID, c.GroupID, c.Key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.Exec(`
			INSERT INTO user_memories (user_id, group_id, "key", value, importance, source_message_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.UserID, c.GroupID, c.Key, c.Value, c.Importance, c.SourceMessageID, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

	case err != nil:
		return err

	default:
		if _, err := tx.Exec(`
			UPDATE user_memories
			SET value = ?, importance = ?, source_message_id = ?, updated_at = ?
			WHERE id = ?`,
			c.Value, c.Importance, c.SourceMessageID, now, id); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM memories_kw WHERE id = ?`, id); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO memories_kw (text, id, user_id) VALUES (?, ?, ?)`,
		analyzer.IndexText(s.an, c.Value), id, c.UserID)
	return err
}

// DeleteMemory removes a user memory by id. A non-empty ownerID
// restricts the delete to that user's rows; a mismatch is not-found.
func (s *Store) DeleteMemory(id int64, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var res sql.Result
	if ownerID != "" {
		res, err = tx.Exec(`DELETE FROM user_memories WHERE id = ? AND user_id = ?`, id, ownerID)
	} else {
		res, err = tx.Exec(`DELETE FROM user_memories WHERE id = ?`, id)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(`DELETE FROM memories_kw WHERE id = ?`, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ListMemories returns a page of a user's memories ordered by
// importance then recency. A non-empty groupID returns that group's
// memories plus cross-group ones.
func (s *Store) ListMemories(userID, groupID string, limit, offset int) ([]UserMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	var rows []memoryRow
	var err error
	if groupID != "" {
		err = s.db.Select(&rows, `
			SELECT `+memoryColumns+` FROM user_memories
			WHERE user_id = ? AND (group_id = ? OR group_id = '')
			ORDER BY importance DESC, created_at DESC, id ASC
			LIMIT ? OFFSET ?`, userID, groupID, limit, offset)
	} else {
		err = s.db.Select(&rows, `
			SELECT `+memoryColumns+` FROM user_memories
			WHERE user_id = ?
			ORDER BY importance DESC, created_at DESC, id ASC
			LIMIT ? OFFSET ?`, userID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	memories := make([]UserMemory, len(rows))
	for i, r := range rows {
		memories[i] = r.toMemory()
	}
	return memories, nil
}
