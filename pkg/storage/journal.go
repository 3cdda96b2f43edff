// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JournalEntry is one append-only record in a mission's event journal.
// The journal is the ground truth for recovery and replay.
type JournalEntry struct {
	EventID   int64                  `json:"event_id"`
	MissionID string                 `json:"mission_id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func appendJournalTx(ctx context.Context, tx *sql.Tx, missionID, eventType string, payload map[string]interface{}) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal journal payload: %w", err)
		}
	} else {
		payloadJSON = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO journal (mission_id, type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		missionID, eventType, string(payloadJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// AppendJournal writes a journal entry outside of any other transaction.
func (s *Store) AppendJournal(ctx context.Context, missionID, eventType string, payload map[string]interface{}) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendJournalTx(ctx, tx, missionID, eventType, payload)
	})
}

// Journal returns a mission's journal entries after sinceEventID, oldest
// first. Pass 0 to read from the start.
func (s *Store) Journal(ctx context.Context, missionID string, sinceEventID int64, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, mission_id, type, payload, created_at
		FROM journal
		WHERE mission_id = ? AND event_id > ?
		ORDER BY event_id ASC LIMIT ?`,
		missionID, sinceEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	var out []*JournalEntry
	for rows.Next() {
		e := &JournalEntry{}
		var payloadJSON string
		if err := rows.Scan(&e.EventID, &e.MissionID, &e.Type, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			e.Payload = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastEventID returns the highest journal event id for a mission, 0 when
// the journal is empty.
func (s *Store) LastEventID(ctx context.Context, missionID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(event_id) FROM journal WHERE mission_id = ?", missionID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read last event id: %w", err)
	}
	return id.Int64, nil
}
