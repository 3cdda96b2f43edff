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
)

// FitnessKey identifies one fitness cell: a team composition on a pattern,
// in a technology context, for a phase type.
type FitnessKey struct {
	AgentID    string
	PatternID  string
	Technology string
	PhaseType  string
}

// FitnessRecord carries the win/loss tallies behind Thompson sampling.
type FitnessRecord struct {
	Key       FitnessKey
	Runs      int64
	Wins      int64
	Losses    int64
	FirstSeen time.Time
}

// Score is the displayed fitness, the posterior mean scaled to 0..100.
func (r *FitnessRecord) Score() float64 {
	return float64(r.Wins+1) / float64(r.Wins+r.Losses+2) * 100
}

// ModelFitnessRecord tracks per-model fitness in the same cells, so model
// routing can evolve independently of team routing.
type ModelFitnessRecord struct {
	Key      FitnessKey
	Provider string
	Model    string
	Runs     int64
	Wins     int64
	Losses   int64
}

func (r *ModelFitnessRecord) Score() float64 {
	return float64(r.Wins+1) / float64(r.Wins+r.Losses+2) * 100
}

// TeamFitness loads the fitness record for one cell. A missing cell returns
// a zero record with the key filled in, which is the uniform prior.
func (s *Store) TeamFitness(ctx context.Context, key FitnessKey) (*FitnessRecord, error) {
	rec := &FitnessRecord{Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT runs, wins, losses, first_seen FROM team_fitness
		WHERE agent_id = ? AND pattern_id = ? AND technology = ? AND phase_type = ?`,
		key.AgentID, key.PatternID, key.Technology, key.PhaseType).
		Scan(&rec.Runs, &rec.Wins, &rec.Losses, &rec.FirstSeen)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load team fitness: %w", err)
	}
	return rec, nil
}

// TeamFitnessByTechnology returns all fitness rows for a technology and
// phase type, the candidate set Thompson sampling draws from.
func (s *Store) TeamFitnessByTechnology(ctx context.Context, technology, phaseType string) ([]*FitnessRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, pattern_id, technology, phase_type, runs, wins, losses, first_seen
		FROM team_fitness WHERE technology = ? AND phase_type = ?`,
		technology, phaseType)
	if err != nil {
		return nil, fmt.Errorf("failed to query team fitness: %w", err)
	}
	defer rows.Close()

	var out []*FitnessRecord
	for rows.Next() {
		rec := &FitnessRecord{}
		if err := rows.Scan(&rec.Key.AgentID, &rec.Key.PatternID, &rec.Key.Technology,
			&rec.Key.PhaseType, &rec.Runs, &rec.Wins, &rec.Losses, &rec.FirstSeen); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordOutcome increments one fitness cell's tallies. Callers pass
// exactly one of win or loss; draws never reach the store, so
// runs = wins + losses always holds.
func (s *Store) RecordOutcome(ctx context.Context, key FitnessKey, win, loss bool) error {
	winInc, lossInc := 0, 0
	if win {
		winInc = 1
	}
	if loss {
		lossInc = 1
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO team_fitness (agent_id, pattern_id, technology, phase_type, runs, wins, losses, first_seen)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT(agent_id, pattern_id, technology, phase_type) DO UPDATE SET
				runs = runs + 1, wins = wins + ?, losses = losses + ?`,
			key.AgentID, key.PatternID, key.Technology, key.PhaseType,
			winInc, lossInc, time.Now().UTC(), winInc, lossInc)
		if err != nil {
			return fmt.Errorf("failed to record outcome: %w", err)
		}
		return nil
	})
}

// RegisterFitnessKey makes a cell visible without counting a run, so
// starvation detection can age candidates that were never picked.
// Existing cells are untouched.
func (s *Store) RegisterFitnessKey(ctx context.Context, key FitnessKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO team_fitness (agent_id, pattern_id, technology, phase_type, runs, wins, losses, first_seen)
			VALUES (?, ?, ?, ?, 0, 0, 0, ?)
			ON CONFLICT(agent_id, pattern_id, technology, phase_type) DO NOTHING`,
			key.AgentID, key.PatternID, key.Technology, key.PhaseType, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to register fitness key: %w", err)
		}
		return nil
	})
}

// ModelFitness loads per-model tallies for a cell across all models.
func (s *Store) ModelFitness(ctx context.Context, key FitnessKey) ([]*ModelFitnessRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, pattern_id, technology, phase_type, llm_provider, llm_model, runs, wins, losses
		FROM model_fitness
		WHERE agent_id = ? AND pattern_id = ? AND technology = ? AND phase_type = ?`,
		key.AgentID, key.PatternID, key.Technology, key.PhaseType)
	if err != nil {
		return nil, fmt.Errorf("failed to query model fitness: %w", err)
	}
	defer rows.Close()

	var out []*ModelFitnessRecord
	for rows.Next() {
		rec := &ModelFitnessRecord{}
		if err := rows.Scan(&rec.Key.AgentID, &rec.Key.PatternID, &rec.Key.Technology,
			&rec.Key.PhaseType, &rec.Provider, &rec.Model, &rec.Runs, &rec.Wins, &rec.Losses); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordModelOutcome increments one model fitness cell.
func (s *Store) RecordModelOutcome(ctx context.Context, key FitnessKey, provider, model string, win, loss bool) error {
	winInc, lossInc := 0, 0
	if win {
		winInc = 1
	}
	if loss {
		lossInc = 1
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO model_fitness (agent_id, pattern_id, technology, phase_type, llm_provider, llm_model, runs, wins, losses)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(agent_id, pattern_id, technology, phase_type, llm_model) DO UPDATE SET
				runs = runs + 1, wins = wins + ?, losses = losses + ?`,
			key.AgentID, key.PatternID, key.Technology, key.PhaseType, provider, model,
			winInc, lossInc, winInc, lossInc)
		if err != nil {
			return fmt.Errorf("failed to record model outcome: %w", err)
		}
		return nil
	})
}

// ABRecord is one incumbent/challenger shadow comparison.
type ABRecord struct {
	ID                string
	ChallengerKey     string
	IncumbentKey      string
	ChallengerOutcome string
	IncumbentOutcome  string
	Winner            string
	CreatedAt         time.Time
}

// RecordABResult persists a shadow A/B comparison outcome.
func (s *Store) RecordABResult(ctx context.Context, rec *ABRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ab_records (id, challenger_key, incumbent_key, challenger_outcome, incumbent_outcome, winner, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ChallengerKey, rec.IncumbentKey, rec.ChallengerOutcome,
			rec.IncumbentOutcome, rec.Winner, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record ab result: %w", err)
		}
		return nil
	})
}

// ABHistory returns recent shadow comparisons, newest first.
func (s *Store) ABHistory(ctx context.Context, limit int) ([]*ABRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, challenger_key, incumbent_key, challenger_outcome, incumbent_outcome, winner, created_at
		FROM ab_records ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ab records: %w", err)
	}
	defer rows.Close()

	var out []*ABRecord
	for rows.Next() {
		rec := &ABRecord{}
		if err := rows.Scan(&rec.ID, &rec.ChallengerKey, &rec.IncumbentKey,
			&rec.ChallengerOutcome, &rec.IncumbentOutcome, &rec.Winner, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
