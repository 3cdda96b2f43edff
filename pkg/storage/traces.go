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
)

// LLMTrace is one completed provider call: tokens, cost, and latency.
// Costs are integer micro-USD; accounting never uses floats.
type LLMTrace struct {
	ID           string
	MissionID    string
	AgentID      string
	Phase        string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostMicroUSD int64
	LatencyMs    int64
	PromptHash   string
	CreatedAt    time.Time
}

// RecordLLMTrace appends one provider call trace.
func (s *Store) RecordLLMTrace(ctx context.Context, tr *LLMTrace) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO llm_traces (id, mission_id, agent_id, phase, provider, model,
				input_tokens, output_tokens, cost_micro_usd, latency_ms, prompt_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ID, tr.MissionID, tr.AgentID, tr.Phase, tr.Provider, tr.Model,
			tr.InputTokens, tr.OutputTokens, tr.CostMicroUSD, tr.LatencyMs,
			tr.PromptHash, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record llm trace: %w", err)
		}
		return nil
	})
}

// MissionCost aggregates token and cost totals for a mission.
type MissionCost struct {
	Calls        int64
	InputTokens  int64
	OutputTokens int64
	CostMicroUSD int64
}

// CostForMission sums all provider spend attributed to a mission.
func (s *Store) CostForMission(ctx context.Context, missionID string) (*MissionCost, error) {
	c := &MissionCost{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_micro_usd), 0)
		FROM llm_traces WHERE mission_id = ?`, missionID).
		Scan(&c.Calls, &c.InputTokens, &c.OutputTokens, &c.CostMicroUSD)
	if err != nil {
		return nil, fmt.Errorf("failed to sum mission cost: %w", err)
	}
	return c, nil
}

// TracesForMission returns a mission's traces, oldest first.
func (s *Store) TracesForMission(ctx context.Context, missionID string, limit int) ([]*LLMTrace, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mission_id, agent_id, phase, provider, model, input_tokens,
			output_tokens, cost_micro_usd, latency_ms, prompt_hash, created_at
		FROM llm_traces WHERE mission_id = ? ORDER BY created_at ASC LIMIT ?`,
		missionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query llm traces: %w", err)
	}
	defer rows.Close()

	var out []*LLMTrace
	for rows.Next() {
		tr := &LLMTrace{}
		if err := rows.Scan(&tr.ID, &tr.MissionID, &tr.AgentID, &tr.Phase, &tr.Provider,
			&tr.Model, &tr.InputTokens, &tr.OutputTokens, &tr.CostMicroUSD,
			&tr.LatencyMs, &tr.PromptHash, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
