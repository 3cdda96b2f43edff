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

	"github.com/teradata-labs/tapestry/pkg/types"
)

// Schedule is a recurring mission submission.
type Schedule struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	WorkflowID    string     `json:"workflow_id"`
	Cron          string     `json:"cron"`
	Enabled       bool       `json:"enabled"`
	SkipIfRunning bool       `json:"skip_if_running"`
	WSJF          types.WSJF `json:"wsjf"`
	LastMissionID string     `json:"last_mission_id,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CreateSchedule persists a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedules (id, project_id, workflow_id, cron, enabled, skip_if_running,
				business_value, time_criticality, risk_reduction, job_duration,
				last_mission_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sc.ID, sc.ProjectID, sc.WorkflowID, sc.Cron, sc.Enabled, sc.SkipIfRunning,
			sc.WSJF.BusinessValue, sc.WSJF.TimeCriticality, sc.WSJF.RiskReduction,
			sc.WSJF.JobDuration, sc.LastMissionID, sc.CreatedAt, sc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert schedule: %w", err)
		}
		return nil
	})
}

// UpdateSchedule rewrites a schedule's mutable fields.
func (s *Store) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	sc.UpdatedAt = time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE schedules SET project_id = ?, workflow_id = ?, cron = ?, enabled = ?,
				skip_if_running = ?, business_value = ?, time_criticality = ?,
				risk_reduction = ?, job_duration = ?, updated_at = ?
			WHERE id = ?`,
			sc.ProjectID, sc.WorkflowID, sc.Cron, sc.Enabled, sc.SkipIfRunning,
			sc.WSJF.BusinessValue, sc.WSJF.TimeCriticality, sc.WSJF.RiskReduction,
			sc.WSJF.JobDuration, sc.UpdatedAt, sc.ID)
		if err != nil {
			return fmt.Errorf("failed to update schedule: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("schedule not found: %s", sc.ID)
		}
		return nil
	})
}

// TouchScheduleRun records the latest submission for a schedule.
func (s *Store) TouchScheduleRun(ctx context.Context, scheduleID, missionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE schedules SET last_mission_id = ?, last_run_at = ? WHERE id = ?",
			missionID, time.Now().UTC(), scheduleID)
		return err
	})
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete schedule: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("schedule not found: %s", id)
		}
		return nil
	})
}

// GetSchedule loads one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+" WHERE id = ?", id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	return sc, err
}

// ListSchedules returns every schedule, oldest first.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+" ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

const scheduleSelect = `
	SELECT id, project_id, workflow_id, cron, enabled, skip_if_running,
		business_value, time_criticality, risk_reduction, job_duration,
		last_mission_id, last_run_at, created_at, updated_at
	FROM schedules`

func scanSchedule(row rowScanner) (*Schedule, error) {
	sc := &Schedule{}
	var lastRun sql.NullTime
	err := row.Scan(&sc.ID, &sc.ProjectID, &sc.WorkflowID, &sc.Cron, &sc.Enabled,
		&sc.SkipIfRunning, &sc.WSJF.BusinessValue, &sc.WSJF.TimeCriticality,
		&sc.WSJF.RiskReduction, &sc.WSJF.JobDuration, &sc.LastMissionID,
		&lastRun, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRunAt = &t
	}
	return sc, nil
}
