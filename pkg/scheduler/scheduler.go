// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package scheduler submits recurring missions on cron schedules.
// Schedules persist in the store and survive restarts; the cron engine
// uses the standard 5-field format.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// Submitter creates and starts a mission. Implemented by
// *mission.Service.
type Submitter interface {
	Submit(ctx context.Context, projectID, workflowID string, wsjf types.WSJF) (string, error)
}

// Config contains scheduler configuration.
type Config struct {
	Store     *storage.Store
	Submitter Submitter
	Logger    *zap.Logger
}

// Scheduler manages cron-based mission submission.
type Scheduler struct {
	mu          sync.RWMutex
	schedules   map[string]*storage.Schedule
	cronEngine  *cron.Cron
	cronEntries map[string]cron.EntryID
	store       *storage.Store
	submitter   Submitter
	logger      *zap.Logger
	stopCh      chan struct{}
}

// NewScheduler creates a mission scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		schedules:   make(map[string]*storage.Schedule),
		cronEngine:  cron.New(),
		cronEntries: make(map[string]cron.EntryID),
		store:       cfg.Store,
		submitter:   cfg.Submitter,
		logger:      cfg.Logger,
		stopCh:      make(chan struct{}),
	}, nil
}

// Start loads persisted schedules and begins the cron engine.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	s.mu.Lock()
	for _, sc := range schedules {
		if err := s.addToCronLocked(sc); err != nil {
			s.logger.Error("schedule not registered",
				zap.String("schedule_id", sc.ID),
				zap.Error(err))
		}
	}
	s.mu.Unlock()

	s.cronEngine.Start()
	s.logger.Info("mission scheduler started", zap.Int("schedules", len(schedules)))
	return nil
}

// Stop shuts the cron engine down and waits for in-flight submissions
// to finish or the context to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stopCh)
	cronCtx := s.cronEngine.Stop()
	select {
	case <-cronCtx.Done():
		s.logger.Info("mission scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timeout, a submission may still be running")
	}
	return nil
}

// AddSchedule validates and registers a new schedule.
func (s *Scheduler) AddSchedule(ctx context.Context, sc *storage.Schedule) error {
	if err := validate(sc); err != nil {
		return err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addToCronLocked(sc); err != nil {
		return err
	}
	s.logger.Info("schedule added",
		zap.String("schedule_id", sc.ID),
		zap.String("workflow_id", sc.WorkflowID),
		zap.String("cron", sc.Cron))
	return nil
}

// RemoveSchedule deletes a schedule and its cron entry.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	s.removeFromCronLocked(id)
	delete(s.schedules, id)
	s.mu.Unlock()

	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.logger.Info("schedule removed", zap.String("schedule_id", id))
	return nil
}

// PauseSchedule disables a schedule without removing it.
func (s *Scheduler) PauseSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	s.removeFromCronLocked(id)
	sc.Enabled = false
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return err
	}
	s.logger.Info("schedule paused", zap.String("schedule_id", id))
	return nil
}

// ResumeSchedule re-enables a paused schedule.
func (s *Scheduler) ResumeSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	sc.Enabled = true
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return err
	}
	if err := s.addToCronLocked(sc); err != nil {
		return err
	}
	s.logger.Info("schedule resumed", zap.String("schedule_id", id))
	return nil
}

// TriggerNow submits the schedule's mission immediately, honoring
// skip-if-running.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	sc, ok := s.schedules[id]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("schedule not found: %s", id)
	}
	return s.submit(ctx, sc, false)
}

// GetSchedule loads one schedule from the store.
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*storage.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// ListSchedules returns every persisted schedule.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*storage.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// addToCronLocked registers an enabled schedule with the cron engine.
// Disabled schedules are tracked but get no entry.
func (s *Scheduler) addToCronLocked(sc *storage.Schedule) error {
	s.schedules[sc.ID] = sc
	if !sc.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(sc.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sc.Cron, err)
	}
	entryID, err := s.cronEngine.AddFunc(sc.Cron, func() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if _, err := s.submit(context.Background(), sc, true); err != nil {
			s.logger.Warn("scheduled submission skipped",
				zap.String("schedule_id", sc.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register cron entry: %w", err)
	}
	s.cronEntries[sc.ID] = entryID
	return nil
}

func (s *Scheduler) removeFromCronLocked(id string) {
	if entryID, ok := s.cronEntries[id]; ok {
		s.cronEngine.Remove(entryID)
		delete(s.cronEntries, id)
	}
}

// submit starts one mission for the schedule. When honorSkip is set
// and the previous mission is still live, nothing is submitted.
func (s *Scheduler) submit(ctx context.Context, sc *storage.Schedule, honorSkip bool) (string, error) {
	s.mu.RLock()
	skip := sc.SkipIfRunning
	last := sc.LastMissionID
	s.mu.RUnlock()
	if honorSkip && skip && last != "" {
		prev, err := s.store.GetMission(ctx, last)
		if err == nil && !prev.Status.Terminal() {
			return "", fmt.Errorf("previous mission still live: %s", last)
		}
	}

	missionID, err := s.submitter.Submit(ctx, sc.ProjectID, sc.WorkflowID, sc.WSJF)
	if err != nil {
		return "", fmt.Errorf("failed to submit mission: %w", err)
	}

	s.mu.Lock()
	sc.LastMissionID = missionID
	s.mu.Unlock()
	if err := s.store.TouchScheduleRun(ctx, sc.ID, missionID); err != nil {
		s.logger.Warn("schedule run not recorded",
			zap.String("schedule_id", sc.ID),
			zap.Error(err))
	}

	s.logger.Info("scheduled mission submitted",
		zap.String("schedule_id", sc.ID),
		zap.String("mission_id", missionID))
	return missionID, nil
}

func validate(sc *storage.Schedule) error {
	if sc == nil {
		return fmt.Errorf("schedule is required")
	}
	if sc.ProjectID == "" || sc.WorkflowID == "" {
		return fmt.Errorf("schedule needs a project and a workflow")
	}
	if _, err := cron.ParseStandard(sc.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sc.Cron, err)
	}
	return nil
}
