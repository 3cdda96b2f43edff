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

	"github.com/teradata-labs/tapestry/pkg/types"
)

// CreateMission persists a new mission in status queued, pinning the
// workflow template JSON alongside it.
func (s *Store) CreateMission(ctx context.Context, m *types.MissionRun, workflow *types.WorkflowTemplate) error {
	wfJSON, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	issuesJSON, err := json.Marshal(m.Issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO missions (id, project_id, workflow_id, workflow_json, status,
				phase_index, sprint, business_value, time_criticality, risk_reduction,
				job_duration, issues_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ProjectID, m.WorkflowID, string(wfJSON), string(m.Status),
			m.PhaseIndex, m.Sprint, m.WSJF.BusinessValue, m.WSJF.TimeCriticality,
			m.WSJF.RiskReduction, m.WSJF.JobDuration, string(issuesJSON), m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert mission: %w", err)
		}
		return appendJournalTx(ctx, tx, m.ID, "mission.created", map[string]interface{}{
			"project_id":  m.ProjectID,
			"workflow_id": m.WorkflowID,
		})
	})
}

// GetMission loads a mission run by id.
func (s *Store) GetMission(ctx context.Context, id string) (*types.MissionRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, workflow_id, status, phase_index, sprint,
			business_value, time_criticality, risk_reduction, job_duration,
			issues_json, started_at, finished_at, created_at
		FROM missions WHERE id = ?`, id)
	return scanMission(row)
}

// GetMissionWorkflow returns the workflow template pinned to the mission.
func (s *Store) GetMissionWorkflow(ctx context.Context, id string) (*types.WorkflowTemplate, error) {
	var wfJSON string
	err := s.db.QueryRowContext(ctx, `SELECT workflow_json FROM missions WHERE id = ?`, id).Scan(&wfJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to load pinned workflow: %w", err)
	}
	var wf types.WorkflowTemplate
	if err := json.Unmarshal([]byte(wfJSON), &wf); err != nil {
		return nil, fmt.Errorf("failed to decode pinned workflow: %w", err)
	}
	return &wf, nil
}

// ListMissions returns missions filtered by status (empty = all), newest first.
func (s *Store) ListMissions(ctx context.Context, statuses []types.MissionStatus, limit, offset int) ([]*types.MissionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, project_id, workflow_id, status, phase_index, sprint,
			business_value, time_criticality, risk_reduction, job_duration,
			issues_json, started_at, finished_at, created_at
		FROM missions`
	args := []interface{}{}
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + repeat(",?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	var out []*types.MissionRun
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMissionStatus transitions a mission and journals the change in the
// same transaction.
func (s *Store) UpdateMissionStatus(ctx context.Context, id string, status types.MissionStatus, eventType string, payload map[string]interface{}) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var startedClause string
		args := []interface{}{string(status)}
		if status == types.MissionRunning {
			startedClause = ", started_at = COALESCE(started_at, ?)"
			args = append(args, now)
		}
		if status.Terminal() {
			startedClause = ", finished_at = ?"
			args = append(args, now)
		}
		args = append(args, id)
		res, err := tx.ExecContext(ctx,
			"UPDATE missions SET status = ?"+startedClause+" WHERE id = ?", args...)
		if err != nil {
			return fmt.Errorf("failed to update mission status: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("mission not found: %s", id)
		}
		if eventType == "" {
			return nil
		}
		return appendJournalTx(ctx, tx, id, eventType, payload)
	})
}

// AdvanceCursor updates the resume cursor (phase index + sprint) together
// with its journal entry; the pair commits atomically. The cursor is the
// single source of truth for resume.
func (s *Store) AdvanceCursor(ctx context.Context, id string, phaseIndex, sprint int, eventType string, payload map[string]interface{}) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE missions SET phase_index = ?, sprint = ? WHERE id = ?",
			phaseIndex, sprint, id)
		if err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("mission not found: %s", id)
		}
		return appendJournalTx(ctx, tx, id, eventType, payload)
	})
}

// AppendMissionIssues attaches per-phase issue annotations.
func (s *Store) AppendMissionIssues(ctx context.Context, id string, issues ...string) error {
	if len(issues) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		if err := tx.QueryRowContext(ctx, "SELECT issues_json FROM missions WHERE id = ?", id).Scan(&existing); err != nil {
			return fmt.Errorf("mission not found: %s", id)
		}
		var list []string
		if err := json.Unmarshal([]byte(existing), &list); err != nil {
			list = nil
		}
		list = append(list, issues...)
		merged, err := json.Marshal(list)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE missions SET issues_json = ? WHERE id = ?", string(merged), id)
		return err
	})
}

// RecoverableMissions enumerates runs in status running or paused for
// re-admission at boot.
func (s *Store) RecoverableMissions(ctx context.Context) ([]*types.MissionRun, error) {
	return s.ListMissions(ctx, []types.MissionStatus{types.MissionRunning, types.MissionPaused}, 1000, 0)
}

// CreateSprint opens a sprint record for a dev phase.
func (s *Store) CreateSprint(ctx context.Context, sp *types.Sprint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sprints (id, mission_id, phase_index, number, status, points, velocity, retro, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.MissionID, sp.PhaseIndex, sp.Number, string(sp.Status),
			sp.Points, sp.Velocity, sp.Retro, sp.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert sprint: %w", err)
		}
		return appendJournalTx(ctx, tx, sp.MissionID, "mission.sprint_opened", map[string]interface{}{
			"sprint_id":   sp.ID,
			"phase_index": sp.PhaseIndex,
			"number":      sp.Number,
		})
	})
}

// CloseSprint finalizes a sprint with its status, velocity, and retro text.
func (s *Store) CloseSprint(ctx context.Context, sprintID string, status types.SprintStatus, velocity int, retro string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var missionID string
		if err := tx.QueryRowContext(ctx, "SELECT mission_id FROM sprints WHERE id = ?", sprintID).Scan(&missionID); err != nil {
			return fmt.Errorf("sprint not found: %s", sprintID)
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE sprints SET status = ?, velocity = ?, retro = ? WHERE id = ?",
			string(status), velocity, retro, sprintID)
		if err != nil {
			return fmt.Errorf("failed to close sprint: %w", err)
		}
		return appendJournalTx(ctx, tx, missionID, "mission.sprint_closed_with_retro", map[string]interface{}{
			"sprint_id": sprintID,
			"status":    string(status),
		})
	})
}

// SprintsForMission returns the mission's sprints in order.
func (s *Store) SprintsForMission(ctx context.Context, missionID string) ([]*types.Sprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mission_id, phase_index, number, status, points, velocity, retro, created_at
		FROM sprints WHERE mission_id = ? ORDER BY phase_index, number`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprints: %w", err)
	}
	defer rows.Close()

	var out []*types.Sprint
	for rows.Next() {
		sp := &types.Sprint{}
		var status string
		if err := rows.Scan(&sp.ID, &sp.MissionID, &sp.PhaseIndex, &sp.Number,
			&status, &sp.Points, &sp.Velocity, &sp.Retro, &sp.CreatedAt); err != nil {
			return nil, err
		}
		sp.Status = types.SprintStatus(status)
		out = append(out, sp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMission(row rowScanner) (*types.MissionRun, error) {
	m := &types.MissionRun{}
	var status, issuesJSON string
	var started, finished sql.NullTime
	err := row.Scan(&m.ID, &m.ProjectID, &m.WorkflowID, &status, &m.PhaseIndex, &m.Sprint,
		&m.WSJF.BusinessValue, &m.WSJF.TimeCriticality, &m.WSJF.RiskReduction,
		&m.WSJF.JobDuration, &issuesJSON, &started, &finished, &m.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mission not found")
		}
		return nil, fmt.Errorf("failed to scan mission: %w", err)
	}
	m.Status = types.MissionStatus(status)
	if err := json.Unmarshal([]byte(issuesJSON), &m.Issues); err != nil {
		m.Issues = nil
	}
	if started.Valid {
		t := started.Time
		m.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		m.FinishedAt = &t
	}
	return m, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
