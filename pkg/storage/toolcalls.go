// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/teradata-labs/tapestry/pkg/shuttle"
)

// maxInlineResult is the largest tool result stored as plain text. Larger
// results are zstd-compressed into result_blob.
const maxInlineResult = 64 * 1024

// RecordToolCall implements shuttle.CallRecorder. Every tool invocation is
// persisted for audit and for the adversarial guard's claim checks.
func (s *Store) RecordToolCall(ctx context.Context, rec *shuttle.CallRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	args := string(rec.Arguments)
	if args == "" {
		args = "{}"
	}

	resultText := rec.ResultText
	var resultBlob []byte
	if len(resultText) > maxInlineResult {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		resultBlob = enc.EncodeAll([]byte(resultText), nil)
		enc.Close()
		resultText = ""
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (id, mission_id, agent_id, tool, arguments, success,
				error_code, result_text, result_blob, duration_ms, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, rec.MissionID, rec.AgentID, rec.Tool, args,
			success, rec.ErrorCode, resultText, resultBlob, rec.DurationMs,
			rec.IdempotencyKey, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record tool call: %w", err)
		}
		return nil
	})
}

// StoredToolCall is a persisted tool invocation with its result rehydrated.
type StoredToolCall struct {
	ID             string
	MissionID      string
	AgentID        string
	Tool           string
	ArgumentsJSON  string
	Success        bool
	ErrorCode      string
	ResultText     string
	DurationMs     int64
	IdempotencyKey string
	CreatedAt      time.Time
}

// ToolCallsForMission returns the recorded calls for a mission, oldest
// first, decompressing any overflowed results.
func (s *Store) ToolCallsForMission(ctx context.Context, missionID string, limit int) ([]*StoredToolCall, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mission_id, agent_id, tool, arguments, success, error_code,
			result_text, result_blob, duration_ms, idempotency_key, created_at
		FROM tool_calls WHERE mission_id = ? ORDER BY created_at ASC LIMIT ?`,
		missionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var dec *zstd.Decoder
	var out []*StoredToolCall
	for rows.Next() {
		c := &StoredToolCall{}
		var success int
		var blob []byte
		if err := rows.Scan(&c.ID, &c.MissionID, &c.AgentID, &c.Tool, &c.ArgumentsJSON,
			&success, &c.ErrorCode, &c.ResultText, &blob, &c.DurationMs,
			&c.IdempotencyKey, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Success = success == 1
		if len(blob) > 0 {
			if dec == nil {
				dec, err = zstd.NewReader(nil)
				if err != nil {
					return nil, fmt.Errorf("failed to create zstd reader: %w", err)
				}
				defer dec.Close()
			}
			raw, err := dec.DecodeAll(blob, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress tool result: %w", err)
			}
			c.ResultText = string(raw)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ToolCallCount returns how many calls an agent made within a mission.
// The executor uses it for audit summaries, not for loop limits.
func (s *Store) ToolCallCount(ctx context.Context, missionID, agentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tool_calls WHERE mission_id = ? AND agent_id = ?",
		missionID, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tool calls: %w", err)
	}
	return n, nil
}

var _ shuttle.CallRecorder = (*Store)(nil)
