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

// BusMessage is a persisted copy of a bus envelope, kept for audit and
// for rebuilding conversation transcripts.
type BusMessage struct {
	ID         string
	MissionID  string
	Sender     string
	Recipients []string
	Type       string
	Priority   int
	Body       string
	ParentID   string
	CreatedAt  time.Time
}

// RecordBusMessage persists one delivered envelope.
func (s *Store) RecordBusMessage(ctx context.Context, m *BusMessage) error {
	recipientsJSON, err := json.Marshal(m.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bus_messages (id, mission_id, sender, recipients_json, type, priority, body, parent_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.MissionID, m.Sender, string(recipientsJSON), m.Type,
			m.Priority, m.Body, m.ParentID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record bus message: %w", err)
		}
		return nil
	})
}

// BusMessagesForMission returns a mission's persisted envelopes in order.
func (s *Store) BusMessagesForMission(ctx context.Context, missionID string, limit int) ([]*BusMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mission_id, sender, recipients_json, type, priority, body, parent_id, created_at
		FROM bus_messages WHERE mission_id = ? ORDER BY created_at ASC LIMIT ?`,
		missionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bus messages: %w", err)
	}
	defer rows.Close()

	var out []*BusMessage
	for rows.Next() {
		m := &BusMessage{}
		var recipientsJSON string
		if err := rows.Scan(&m.ID, &m.MissionID, &m.Sender, &recipientsJSON,
			&m.Type, &m.Priority, &m.Body, &m.ParentID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipientsJSON), &m.Recipients); err != nil {
			m.Recipients = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
