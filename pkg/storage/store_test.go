// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestMission(id string) *types.MissionRun {
	return &types.MissionRun{
		ID:         id,
		ProjectID:  "proj-1",
		WorkflowID: "wf-1",
		Status:     types.MissionQueued,
		Sprint:     1,
		WSJF:       types.WSJF{BusinessValue: 8, TimeCriticality: 5, RiskReduction: 3, JobDuration: 2},
		CreatedAt:  time.Now().UTC(),
	}
}

func testWorkflow() *types.WorkflowTemplate {
	return &types.WorkflowTemplate{
		ID:   "wf-1",
		Name: "standard",
		Phases: []types.PhaseSpec{
			{Name: "design", PatternID: "debate", Gate: types.GateNoVeto},
			{Name: "dev", PatternID: "parallel", Gate: types.GateAllApproved, Dev: true, MaxSprints: 3},
		},
	}
}

func TestMissionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newTestMission("m-1")
	require.NoError(t, s.CreateMission(ctx, m, testWorkflow()))

	got, err := s.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, types.MissionQueued, got.Status)
	assert.Equal(t, 0, got.PhaseIndex)
	assert.Equal(t, 1, got.Sprint)
	assert.InDelta(t, 8.0, got.WSJF.Score(), 0.001)

	require.NoError(t, s.UpdateMissionStatus(ctx, "m-1", types.MissionRunning, "mission.started", nil))
	got, err = s.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, types.MissionRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.UpdateMissionStatus(ctx, "m-1", types.MissionDone, "mission.completed", nil))
	got, err = s.GetMission(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
}

func TestMissionPinnedWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMission(ctx, newTestMission("m-1"), testWorkflow()))

	// Mutating the stored template must not touch the pinned copy.
	require.NoError(t, s.SaveWorkflow(ctx, "wf-1", "standard", "phases: []"))

	wf, err := s.GetMissionWorkflow(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, wf.Phases, 2)
	assert.Equal(t, "design", wf.Phases[0].Name)
}

func TestAdvanceCursorJournalsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMission(ctx, newTestMission("m-1"), testWorkflow()))
	require.NoError(t, s.AdvanceCursor(ctx, "m-1", 1, 1, "mission.phase_completed",
		map[string]interface{}{"phase": "design"}))

	got, err := s.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.PhaseIndex)

	entries, err := s.Journal(ctx, "m-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "mission.created", entries[0].Type)
	assert.Equal(t, "mission.phase_completed", entries[1].Type)
	assert.Equal(t, "design", entries[1].Payload["phase"])
	assert.Greater(t, entries[1].EventID, entries[0].EventID)

	// Cursor advance for a missing mission must not leave a journal entry.
	err = s.AdvanceCursor(ctx, "nope", 1, 1, "mission.phase_completed", nil)
	require.Error(t, err)
	orphans, err := s.Journal(ctx, "nope", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestJournalReplayFromCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMission(ctx, newTestMission("m-1"), testWorkflow()))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendJournal(ctx, "m-1", "mission.agent_turn", map[string]interface{}{"round": i}))
	}

	all, err := s.Journal(ctx, "m-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 6)

	tail, err := s.Journal(ctx, "m-1", all[3].EventID, 100)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	last, err := s.LastEventID(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, all[5].EventID, last)
}

func TestSprintLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMission(ctx, newTestMission("m-1"), testWorkflow()))
	sp := &types.Sprint{
		ID: "sp-1", MissionID: "m-1", PhaseIndex: 1, Number: 1,
		Status: types.SprintActive, Points: 13, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateSprint(ctx, sp))
	require.NoError(t, s.CloseSprint(ctx, "sp-1", types.SprintCompleted, 11, "tests flaky on CI"))

	sprints, err := s.SprintsForMission(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, sprints, 1)
	assert.Equal(t, types.SprintCompleted, sprints[0].Status)
	assert.Equal(t, 11, sprints[0].Velocity)
	assert.Equal(t, "tests flaky on CI", sprints[0].Retro)
}

func TestRecoverableMissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		status types.MissionStatus
	}{
		{"m-running", types.MissionRunning},
		{"m-paused", types.MissionPaused},
		{"m-done", types.MissionDone},
		{"m-queued", types.MissionQueued},
	} {
		m := newTestMission(tc.id)
		require.NoError(t, s.CreateMission(ctx, m, testWorkflow()))
		if tc.status != types.MissionQueued {
			require.NoError(t, s.UpdateMissionStatus(ctx, tc.id, tc.status, "", nil))
		}
	}

	recoverable, err := s.RecoverableMissions(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(recoverable))
	for _, m := range recoverable {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"m-running", "m-paused"}, ids)
}

func TestTeamFitnessUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := FitnessKey{AgentID: "dev-1", PatternID: "debate", Technology: "go", PhaseType: "dev"}

	// Unknown cell reads as the uniform prior.
	rec, err := s.TeamFitness(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 0, rec.Runs)
	assert.InDelta(t, 50.0, rec.Score(), 0.001)

	require.NoError(t, s.RecordOutcome(ctx, key, true, false))
	require.NoError(t, s.RecordOutcome(ctx, key, true, false))
	require.NoError(t, s.RecordOutcome(ctx, key, false, true))

	rec, err = s.TeamFitness(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.Runs)
	assert.EqualValues(t, 2, rec.Wins)
	assert.EqualValues(t, 1, rec.Losses)
	assert.EqualValues(t, rec.Wins+rec.Losses, rec.Runs)
	// (2+1)/(2+1+2)*100 = 60
	assert.InDelta(t, 60.0, rec.Score(), 0.001)
}

func TestModelFitness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := FitnessKey{AgentID: "dev-1", PatternID: "debate", Technology: "go", PhaseType: "dev"}
	require.NoError(t, s.RecordModelOutcome(ctx, key, "anthropic", "claude-sonnet-4-5", true, false))
	require.NoError(t, s.RecordModelOutcome(ctx, key, "openai", "gpt-5", false, true))
	require.NoError(t, s.RecordModelOutcome(ctx, key, "anthropic", "claude-sonnet-4-5", true, false))

	recs, err := s.ModelFitness(ctx, key)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byModel := map[string]*ModelFitnessRecord{}
	for _, r := range recs {
		byModel[r.Model] = r
	}
	assert.EqualValues(t, 2, byModel["claude-sonnet-4-5"].Wins)
	assert.EqualValues(t, 1, byModel["gpt-5"].Losses)
}

func TestMemorySearchFTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []*MemoryEntry{
		{Layer: "project", ScopeID: "proj-1", Category: "retro", Content: "gradle builds need the wrapper, never system gradle"},
		{Layer: "project", ScopeID: "proj-1", Category: "retro", Content: "API pagination uses cursor tokens not offsets"},
		{Layer: "project", ScopeID: "proj-2", Category: "retro", Content: "gradle daemon flakes on small runners"},
		{Layer: "global", ScopeID: "global", Content: "prefer table driven tests"},
	}
	for _, e := range entries {
		require.NoError(t, s.PutMemory(ctx, e))
	}

	// Scoped search only sees the requested scopes.
	hits, err := s.SearchMemory(ctx, "gradle", [][2]string{{"project", "proj-1"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "wrapper")

	hits, err = s.SearchMemory(ctx, "gradle", [][2]string{{"project", "proj-1"}, {"project", "proj-2"}}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// Operator characters in queries must not break the search.
	_, err = s.SearchMemory(ctx, `"unbalanced AND (`, [][2]string{{"project", "proj-1"}}, 10)
	require.NoError(t, err)
}

func TestMemoryScopeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMemory(ctx, &MemoryEntry{Layer: "session", ScopeID: "run-1", Content: "draft one"}))
	require.NoError(t, s.PutMemory(ctx, &MemoryEntry{Layer: "session", ScopeID: "run-2", Content: "draft two"}))

	require.NoError(t, s.DeleteMemoryScope(ctx, "session", "run-1"))

	gone, err := s.MemoryByScope(ctx, "session", "run-1", 10)
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := s.MemoryByScope(ctx, "session", "run-2", 10)
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	// FTS index follows via trigger.
	hits, err := s.SearchMemory(ctx, "draft", [][2]string{{"session", "run-1"}, {"session", "run-2"}}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestToolCallLargeResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	big := strings.Repeat("build output line with useful detail\n", 4000)
	require.Greater(t, len(big), maxInlineResult)

	rec := &shuttle.CallRecord{
		AgentID:        "dev-1",
		MissionID:      "m-1",
		Tool:           "build",
		Arguments:      []byte(`{"target":"all"}`),
		Success:        true,
		ResultText:     big,
		DurationMs:     4200,
		IdempotencyKey: "abc123",
	}
	require.NoError(t, s.RecordToolCall(ctx, rec))
	require.NoError(t, s.RecordToolCall(ctx, &shuttle.CallRecord{
		AgentID: "dev-1", MissionID: "m-1", Tool: "workspace",
		Arguments: []byte(`{"action":"read"}`), Success: false,
		ErrorCode: "forbidden", IdempotencyKey: "def456",
	}))

	calls, err := s.ToolCallsForMission(ctx, "m-1", 10)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, big, calls[0].ResultText)
	assert.True(t, calls[0].Success)
	assert.Equal(t, "forbidden", calls[1].ErrorCode)

	n, err := s.ToolCallCount(ctx, "m-1", "dev-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestApprovalsAndCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMission(ctx, newTestMission("m-1"), testWorkflow()))

	ok, err := s.HasApproval(ctx, "m-1", "deploy")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.GrantApproval(ctx, "m-1", "deploy", "operator@example.com"))

	ok, err = s.HasApproval(ctx, "m-1", "deploy")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasApproval(ctx, "m-1", "delete_data")
	require.NoError(t, err)
	assert.False(t, ok)

	cp, err := s.CreateCheckpoint(ctx, "m-1", 1)
	require.NoError(t, err)

	pending, err := s.PendingCheckpoint(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, cp.ID, pending.ID)

	require.NoError(t, s.DecideCheckpoint(ctx, cp.ID, CheckpointAccepted, "operator@example.com"))
	err = s.DecideCheckpoint(ctx, cp.ID, CheckpointRejected, "operator@example.com")
	require.Error(t, err)

	pending, err = s.PendingCheckpoint(ctx, "m-1")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestMissionCostAccounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordLLMTrace(ctx, &LLMTrace{
		MissionID: "m-1", AgentID: "dev-1", Provider: "anthropic", Model: "claude-sonnet-4-5",
		InputTokens: 1200, OutputTokens: 400, CostMicroUSD: 9600, LatencyMs: 1800,
	}))
	require.NoError(t, s.RecordLLMTrace(ctx, &LLMTrace{
		MissionID: "m-1", AgentID: "qa-1", Provider: "openai", Model: "gpt-5",
		InputTokens: 800, OutputTokens: 200, CostMicroUSD: 4000, LatencyMs: 900,
	}))
	require.NoError(t, s.RecordLLMTrace(ctx, &LLMTrace{
		MissionID: "m-other", Provider: "ollama", Model: "llama3",
		InputTokens: 500, OutputTokens: 100,
	}))

	cost, err := s.CostForMission(ctx, "m-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cost.Calls)
	assert.EqualValues(t, 2000, cost.InputTokens)
	assert.EqualValues(t, 600, cost.OutputTokens)
	assert.EqualValues(t, 13600, cost.CostMicroUSD)
}

func TestProjectAndWorkflowCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &types.Project{
		ID: "proj-1", Name: "shop", WorkingTree: "/srv/shop",
		Vision: "fast checkout", Values: "simplicity", Conventions: "trunk based",
	}
	require.NoError(t, s.SaveProject(ctx, p))
	p.Vision = "fast and safe checkout"
	require.NoError(t, s.SaveProject(ctx, p))

	got, err := s.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "fast and safe checkout", got.Vision)

	all, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.SaveWorkflow(ctx, "wf-1", "standard", "phases:\n  - name: design"))
	yaml, err := s.GetWorkflowYAML(ctx, "wf-1")
	require.NoError(t, err)
	assert.Contains(t, yaml, "design")
}

func TestBusMessagePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordBusMessage(ctx, &BusMessage{
		ID: "msg-1", MissionID: "m-1", Sender: "orchestrator",
		Recipients: []string{"dev-1", "qa-1"}, Type: "task", Priority: 7,
		Body: "implement the login flow",
	}))
	require.NoError(t, s.RecordBusMessage(ctx, &BusMessage{
		ID: "msg-2", MissionID: "m-1", Sender: "dev-1",
		Recipients: []string{"orchestrator"}, Type: "status", Priority: 3,
		Body: "done", ParentID: "msg-1",
	}))

	msgs, err := s.BusMessagesForMission(ctx, "m-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"dev-1", "qa-1"}, msgs[0].Recipients)
	assert.Equal(t, "msg-1", msgs[1].ParentID)
}

func TestMissionIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMission(ctx, newTestMission("m-1"), testWorkflow()))
	require.NoError(t, s.AppendMissionIssues(ctx, "m-1", "qa phase skipped after retries"))
	require.NoError(t, s.AppendMissionIssues(ctx, "m-1", "lint advisory unresolved"))

	got, err := s.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"qa phase skipped after retries", "lint advisory unresolved"}, got.Issues)
}
