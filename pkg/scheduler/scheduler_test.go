// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap/zaptest"
)

// fakeSubmitter records submissions and hands out sequential ids.
type fakeSubmitter struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeSubmitter) Submit(_ context.Context, projectID, workflowID string, _ types.WSJF) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("workflow unknown: %s", workflowID)
	}
	id := fmt.Sprintf("m-%d", len(f.calls)+1)
	f.calls = append(f.calls, projectID+"/"+workflowID)
	return id, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T) (*Scheduler, *storage.Store, *fakeSubmitter) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := storage.Open(storage.Config{Path: ":memory:", Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sub := &fakeSubmitter{}
	s, err := NewScheduler(Config{Store: store, Submitter: sub, Logger: logger})
	require.NoError(t, err)
	return s, store, sub
}

func testSchedule(id string) *storage.Schedule {
	return &storage.Schedule{
		ID:            id,
		ProjectID:     "proj-1",
		WorkflowID:    "nightly-regression",
		Cron:          "0 3 * * *",
		Enabled:       true,
		SkipIfRunning: true,
		WSJF:          types.WSJF{BusinessValue: 2, JobDuration: 1},
	}
}

func TestAddScheduleValidates(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	bad := testSchedule("sch-bad")
	bad.Cron = "not a cron"
	assert.Error(t, s.AddSchedule(ctx, bad))

	missing := testSchedule("sch-missing")
	missing.WorkflowID = ""
	assert.Error(t, s.AddSchedule(ctx, missing))

	require.NoError(t, s.AddSchedule(ctx, testSchedule("sch-1")))
	got, err := s.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly-regression", got.WorkflowID)
	assert.True(t, got.Enabled)
}

func TestSchedulePersistsAcrossRestart(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.AddSchedule(ctx, testSchedule("sch-1")))

	// A second scheduler over the same store sees the schedule.
	sub := &fakeSubmitter{}
	s2, err := NewScheduler(Config{Store: store, Submitter: sub, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, s2.Start(ctx))
	defer s2.Stop(ctx)

	s2.mu.RLock()
	_, tracked := s2.schedules["sch-1"]
	_, hasEntry := s2.cronEntries["sch-1"]
	s2.mu.RUnlock()
	assert.True(t, tracked)
	assert.True(t, hasEntry)
}

func TestTriggerNowSubmits(t *testing.T) {
	s, store, sub := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.AddSchedule(ctx, testSchedule("sch-1")))

	id, err := s.TriggerNow(ctx, "sch-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Equal(t, []string{"proj-1/nightly-regression"}, sub.calls)

	// The submission is recorded on the schedule.
	got, err := store.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.LastMissionID)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, time.Now().UTC(), *got.LastRunAt, time.Minute)

	_, err = s.TriggerNow(ctx, "ghost")
	assert.Error(t, err)
}

func TestSkipIfRunningHoldsBackSubmission(t *testing.T) {
	s, store, sub := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.AddSchedule(ctx, testSchedule("sch-1")))

	// Simulate a live previous mission.
	wf := &types.WorkflowTemplate{ID: "nightly-regression", Phases: []types.PhaseSpec{{Name: "run", PatternID: "p"}}}
	m := &types.MissionRun{
		ID: "m-live", ProjectID: "proj-1", WorkflowID: "nightly-regression",
		Status: types.MissionRunning, Sprint: 1, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateMission(ctx, m, wf))

	s.mu.Lock()
	s.schedules["sch-1"].LastMissionID = "m-live"
	s.mu.Unlock()

	sc := s.schedules["sch-1"]
	_, err := s.submit(ctx, sc, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still live")
	assert.Equal(t, 0, sub.count())

	// A terminal previous mission clears the hold.
	require.NoError(t, store.UpdateMissionStatus(ctx, "m-live", types.MissionDone, "", nil))
	_, err = s.submit(ctx, sc, true)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.count())
}

func TestPauseAndResumeSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.AddSchedule(ctx, testSchedule("sch-1")))

	require.NoError(t, s.PauseSchedule(ctx, "sch-1"))
	s.mu.RLock()
	_, hasEntry := s.cronEntries["sch-1"]
	s.mu.RUnlock()
	assert.False(t, hasEntry)

	got, err := s.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.ResumeSchedule(ctx, "sch-1"))
	s.mu.RLock()
	_, hasEntry = s.cronEntries["sch-1"]
	s.mu.RUnlock()
	assert.True(t, hasEntry)

	assert.Error(t, s.PauseSchedule(ctx, "ghost"))
}

func TestRemoveSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.AddSchedule(ctx, testSchedule("sch-1")))

	require.NoError(t, s.RemoveSchedule(ctx, "sch-1"))
	_, err := s.GetSchedule(ctx, "sch-1")
	assert.Error(t, err)
	assert.Error(t, s.RemoveSchedule(ctx, "sch-1"))
}
