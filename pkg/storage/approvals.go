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
	"github.com/teradata-labs/tapestry/pkg/shuttle"
)

// HasApproval implements shuttle.ApprovalChecker: a deploy (or other gated
// action) proceeds only when a human approval row exists for the mission.
func (s *Store) HasApproval(ctx context.Context, missionID, action string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM approvals WHERE mission_id = ? AND action = ?",
		missionID, action).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check approval: %w", err)
	}
	return n > 0, nil
}

// GrantApproval records a human approval for a gated action.
func (s *Store) GrantApproval(ctx context.Context, missionID, action, approvedBy string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, mission_id, action, approved_by, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), missionID, action, approvedBy, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to grant approval: %w", err)
		}
		return appendJournalTx(ctx, tx, missionID, "mission.approval_granted", map[string]interface{}{
			"action":      action,
			"approved_by": approvedBy,
		})
	})
}

// Checkpoint is a pending human decision blocking a phase boundary.
type Checkpoint struct {
	ID         string     `json:"id"`
	MissionID  string     `json:"mission_id"`
	PhaseIndex int        `json:"phase_index"`
	Status     string     `json:"status"`
	DecidedBy  string     `json:"decided_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

const (
	CheckpointPending  = "pending"
	CheckpointAccepted = "accepted"
	CheckpointRejected = "rejected"
)

// CreateCheckpoint opens a pending checkpoint; the mission pauses until
// it is decided.
func (s *Store) CreateCheckpoint(ctx context.Context, missionID string, phaseIndex int) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:         uuid.NewString(),
		MissionID:  missionID,
		PhaseIndex: phaseIndex,
		Status:     CheckpointPending,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, mission_id, phase_index, status, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			cp.ID, cp.MissionID, cp.PhaseIndex, cp.Status, cp.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint: %w", err)
		}
		return appendJournalTx(ctx, tx, missionID, "mission.checkpoint_opened", map[string]interface{}{
			"checkpoint_id": cp.ID,
			"phase_index":   phaseIndex,
		})
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// DecideCheckpoint accepts or rejects a pending checkpoint.
func (s *Store) DecideCheckpoint(ctx context.Context, checkpointID, status, decidedBy string) error {
	if status != CheckpointAccepted && status != CheckpointRejected {
		return fmt.Errorf("invalid checkpoint decision: %s", status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var missionID, current string
		if err := tx.QueryRowContext(ctx,
			"SELECT mission_id, status FROM checkpoints WHERE id = ?", checkpointID).
			Scan(&missionID, &current); err != nil {
			return fmt.Errorf("checkpoint not found: %s", checkpointID)
		}
		if current != CheckpointPending {
			return fmt.Errorf("checkpoint already decided: %s", current)
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE checkpoints SET status = ?, decided_by = ?, decided_at = ? WHERE id = ?",
			status, decidedBy, time.Now().UTC(), checkpointID)
		if err != nil {
			return fmt.Errorf("failed to decide checkpoint: %w", err)
		}
		return appendJournalTx(ctx, tx, missionID, "mission.checkpoint_decided", map[string]interface{}{
			"checkpoint_id": checkpointID,
			"status":        status,
			"decided_by":    decidedBy,
		})
	})
}

// PendingCheckpoint returns the open checkpoint for a mission, or nil.
func (s *Store) PendingCheckpoint(ctx context.Context, missionID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var decided sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mission_id, phase_index, status, decided_by, created_at, decided_at
		FROM checkpoints WHERE mission_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		missionID, CheckpointPending).
		Scan(&cp.ID, &cp.MissionID, &cp.PhaseIndex, &cp.Status, &cp.DecidedBy,
			&cp.CreatedAt, &decided)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if decided.Valid {
		t := decided.Time
		cp.DecidedAt = &t
	}
	return cp, nil
}

var _ shuttle.ApprovalChecker = (*Store)(nil)
