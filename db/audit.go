package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one operator notification: link events, protocol
// violations, collisions and splits.
type AuditEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
}

func (s *Store) InsertAudit(event, detail string) (AuditEntry, error) {
	e := AuditEntry{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Event:     event,
		Detail:    detail,
	}
	_, err := s.DB.Exec(`INSERT INTO audit (id, created_at, event, detail) VALUES (?, ?, ?, ?)`,
		e.ID, e.CreatedAt.UnixNano(), e.Event, e.Detail)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("error saving audit entry: %w", err)
	}
	return e, nil
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(`SELECT id, created_at, event, detail FROM audit ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.ID, &created, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("error scanning audit entry: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneAudit deletes entries older than before and reports how many went.
func (s *Store) PruneAudit(before time.Time) (int64, error) {
	res, err := s.DB.Exec(`DELETE FROM audit WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("error pruning audit entries: %w", err)
	}
	return res.RowsAffected()
}
