// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package mission

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/agent"
	"github.com/teradata-labs/tapestry/pkg/events"
	"github.com/teradata-labs/tapestry/pkg/memory"
	"github.com/teradata-labs/tapestry/pkg/patterns"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"github.com/teradata-labs/tapestry/pkg/workflow"
	"go.uber.org/zap/zaptest"
)

// scriptedRunner plays scripted outputs per agent id; the last entry
// repeats when the script runs out.
type scriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][]string
	cursor  map[string]int
	calls   map[string]int
}

func newScriptedRunner(scripts map[string][]string) *scriptedRunner {
	return &scriptedRunner{
		scripts: scripts,
		cursor:  make(map[string]int),
		calls:   make(map[string]int),
	}
}

func (f *scriptedRunner) RunTurn(_ context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Agent.ID]++

	script := f.scripts[req.Agent.ID]
	if len(script) == 0 {
		return &agent.TurnResult{Output: "ok"}, nil
	}
	i := f.cursor[req.Agent.ID]
	if i >= len(script) {
		i = len(script) - 1
	}
	f.cursor[req.Agent.ID]++
	return &agent.TurnResult{
		Output: script[i],
		Usage:  types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *scriptedRunner) callsFor(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[agentID]
}

func agentDef(id string, role types.Role, veto types.VetoLevel) *types.AgentDefinition {
	return &types.AgentDefinition{
		ID:          id,
		Role:        role,
		Permissions: types.Permissions{Veto: veto},
	}
}

type harness struct {
	store   *storage.Store
	lib     *workflow.Library
	exec    *scriptedRunner
	emitter *events.Emitter
	svc     *Service
}

func newHarness(t *testing.T, templates string, scripts map[string][]string, defs ...*types.AgentDefinition) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := storage.Open(storage.Config{Path: ":memory:", Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates.yaml"), []byte(templates), 0o644))
	lib := workflow.NewLibrary(dir, logger)
	require.NoError(t, lib.Load())

	reg := agent.NewRegistry(logger)
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	exec := newScriptedRunner(scripts)
	engine, err := patterns.NewEngine(patterns.Config{
		Executor: exec,
		Agents:   reg,
		Logger:   logger,
	})
	require.NoError(t, err)

	emitter := events.NewEmitter(store, logger)
	t.Cleanup(emitter.Close)

	mem, err := memory.NewManager(memory.Config{Store: store, Logger: logger})
	require.NoError(t, err)

	svc, err := NewService(Config{
		Store:   store,
		Library: lib,
		Engine:  engine,
		Emitter: emitter,
		Memory:  mem,
		Logger:  logger,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	return &harness{store: store, lib: lib, exec: exec, emitter: emitter, svc: svc}
}

func (h *harness) waitStatus(t *testing.T, id string, want types.MissionStatus) *types.MissionRun {
	t.Helper()
	var m *types.MissionRun
	require.Eventually(t, func() bool {
		loaded, err := h.store.GetMission(context.Background(), id)
		if err != nil {
			return false
		}
		m = loaded
		return m.Status == want
	}, 5*time.Second, 10*time.Millisecond, "mission never reached %s", want)
	return m
}

func (h *harness) eventTypes(t *testing.T, id string) []string {
	t.Helper()
	all, err := h.emitter.Replay(context.Background(), id, 0, 10000)
	require.NoError(t, err)
	out := make([]string, len(all))
	for i, ev := range all {
		out[i] = ev.Type
	}
	return out
}

const deliveryTemplates = `
workflows:
  - id: feature-delivery
    name: Feature delivery
    phases:
      - name: plan
        pattern: plan-solo
        gate: always
      - name: implement
        pattern: impl-seq
        gate: no_veto
        dev: true
        max_sprints: 2
        on_failure: retry
patterns:
  - id: plan-solo
    type: solo
    participants:
      - agent_id: arch-1
  - id: impl-seq
    type: sequential
    participants:
      - agent_id: dev-1
      - agent_id: qa-1
`

func deliveryAgents() []*types.AgentDefinition {
	return []*types.AgentDefinition{
		agentDef("arch-1", types.RoleArchitecture, types.VetoNone),
		agentDef("dev-1", types.RoleDeveloper, types.VetoNone),
		agentDef("qa-1", types.RoleQA, types.VetoStrong),
	}
}

func TestMissionRunsToDone(t *testing.T) {
	h := newHarness(t, deliveryTemplates, map[string][]string{
		"arch-1": {"plan: build login with session cookies"},
		"dev-1":  {"implemented login handler"},
		"qa-1":   {"all acceptance tests pass"},
	}, deliveryAgents()...)
	ctx := context.Background()

	m, err := h.svc.CreateMission(ctx, "proj-1", "feature-delivery", types.WSJF{BusinessValue: 5, JobDuration: 1})
	require.NoError(t, err)
	assert.Equal(t, types.MissionQueued, m.Status)
	require.NoError(t, h.svc.StartMission(ctx, m.ID))

	done := h.waitStatus(t, m.ID, types.MissionDone)
	assert.Empty(t, done.Issues)
	assert.Equal(t, 2, done.PhaseIndex)

	// Exactly one phase_started per phase.
	starts := map[string]int{}
	all, err := h.emitter.Replay(ctx, m.ID, 0, 10000)
	require.NoError(t, err)
	for _, ev := range all {
		if ev.Type == events.PhaseStarted {
			starts[ev.Payload["phase"].(string)]++
		}
	}
	assert.Equal(t, map[string]int{"plan": 1, "implement": 1}, starts)

	// The dev phase closed one sprint with a retrospective.
	sprints, err := h.store.SprintsForMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, sprints, 1)
	assert.Equal(t, types.SprintCompleted, sprints[0].Status)
	assert.Equal(t, 2, sprints[0].Velocity)
	assert.NotEmpty(t, sprints[0].Retro)

	// The retro landed in project-layer memory.
	entries, err := h.store.MemoryByScope(ctx, "project", "proj-1", 10)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Category == "retro" {
			found = true
		}
	}
	assert.True(t, found, "retro must be persisted as a project memory entry")
}

func TestMissionRetryThenPass(t *testing.T) {
	h := newHarness(t, deliveryTemplates, map[string][]string{
		"qa-1": {"VETO: login breaks on empty password", "fixed, all tests green"},
	}, deliveryAgents()...)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "feature-delivery", types.WSJF{BusinessValue: 3, JobDuration: 1})
	require.NoError(t, err)

	done := h.waitStatus(t, id, types.MissionDone)
	assert.Empty(t, done.Issues)

	// Sprint 1 failed the gate, sprint 2 passed.
	sprints, err := h.store.SprintsForMission(ctx, id)
	require.NoError(t, err)
	require.Len(t, sprints, 2)
	assert.Equal(t, types.SprintFailed, sprints[0].Status)
	assert.Equal(t, types.SprintCompleted, sprints[1].Status)
	assert.Equal(t, 2, h.exec.callsFor("qa-1"))

	assert.Contains(t, h.eventTypes(t, id), events.AdversarialVeto)
}

const cascadeTemplates = `
workflows:
  - id: guarded-change
    phases:
      - name: review
        pattern: security-cascade
        gate: no_veto
        on_failure: skip
patterns:
  - id: security-cascade
    type: adversarial_cascade
    participants:
      - agent_id: dev-1
      - agent_id: sec-critic
      - agent_id: arch-critic
`

func TestAbsoluteVetoSkipsToDoneWithIssues(t *testing.T) {
	h := newHarness(t, cascadeTemplates, map[string][]string{
		"dev-1":      {"patched the auth module"},
		"sec-critic": {"VETO: credentials logged in plaintext"},
	},
		agentDef("dev-1", types.RoleDeveloper, types.VetoNone),
		agentDef("sec-critic", types.RoleAdversarial, types.VetoAbsolute),
		agentDef("arch-critic", types.RoleAdversarial, types.VetoStrong),
	)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "guarded-change", types.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)

	done := h.waitStatus(t, id, types.MissionDoneWithIssues)
	require.Len(t, done.Issues, 1)
	assert.Contains(t, done.Issues[0], "skipped")

	// The absolute veto short-circuited the cascade.
	assert.Equal(t, 0, h.exec.callsFor("arch-critic"))
	assert.Contains(t, h.eventTypes(t, id), events.AdversarialVeto)
}

func TestAbortPolicyFailsMission(t *testing.T) {
	templates := `
workflows:
  - id: strict
    phases:
      - name: review
        pattern: qa-solo
        gate: no_veto
        on_failure: abort
patterns:
  - id: qa-solo
    type: solo
    participants:
      - agent_id: qa-1
`
	h := newHarness(t, templates, map[string][]string{
		"qa-1": {"VETO: release blocked"},
	}, agentDef("qa-1", types.RoleQA, types.VetoStrong))
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "strict", types.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)

	failed := h.waitStatus(t, id, types.MissionFailed)
	require.NotEmpty(t, failed.Issues)
	assert.Contains(t, failed.Issues[0], "gate failed")
	assert.Contains(t, h.eventTypes(t, id), events.MissionFailed)
}

func TestHumanDecideCheckpointAcceptOverridesGate(t *testing.T) {
	templates := `
workflows:
  - id: supervised
    phases:
      - name: review
        pattern: qa-solo
        gate: no_veto
        on_failure: human_decide
      - name: ship
        pattern: dev-solo
        gate: always
patterns:
  - id: qa-solo
    type: solo
    participants:
      - agent_id: qa-1
  - id: dev-solo
    type: solo
    participants:
      - agent_id: dev-1
`
	h := newHarness(t, templates, map[string][]string{
		"qa-1":  {"VETO: flaky tests"},
		"dev-1": {"shipped"},
	},
		agentDef("qa-1", types.RoleQA, types.VetoStrong),
		agentDef("dev-1", types.RoleDeveloper, types.VetoNone),
	)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "supervised", types.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)

	h.waitStatus(t, id, types.MissionPaused)
	cp, err := h.store.PendingCheckpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Contains(t, h.eventTypes(t, id), events.CheckpointPending)

	// Resume without a decision is refused.
	assert.Error(t, h.svc.ResumeMission(ctx, id))

	require.NoError(t, h.svc.ApproveCheckpoint(ctx, id, cp.ID, DecisionAccept, "ops@example.com"))

	done := h.waitStatus(t, id, types.MissionDoneWithIssues)
	require.NotEmpty(t, done.Issues)
	assert.Contains(t, done.Issues[0], "overridden")
	assert.Equal(t, 1, h.exec.callsFor("dev-1"), "the ship phase must run after the override")
}

func TestCheckpointGateAcceptAdvancesCleanly(t *testing.T) {
	templates := `
workflows:
  - id: signed-off
    phases:
      - name: review
        pattern: qa-solo
        gate: checkpoint
      - name: ship
        pattern: dev-solo
        gate: always
patterns:
  - id: qa-solo
    type: solo
    participants:
      - agent_id: qa-1
  - id: dev-solo
    type: solo
    participants:
      - agent_id: dev-1
`
	h := newHarness(t, templates, map[string][]string{
		"qa-1":  {"review complete, ready for sign-off"},
		"dev-1": {"shipped"},
	},
		agentDef("qa-1", types.RoleQA, types.VetoStrong),
		agentDef("dev-1", types.RoleDeveloper, types.VetoNone),
	)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "signed-off", types.WSJF{BusinessValue: 2, JobDuration: 1})
	require.NoError(t, err)

	h.waitStatus(t, id, types.MissionPaused)
	cp, err := h.store.PendingCheckpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)

	require.NoError(t, h.svc.ApproveCheckpoint(ctx, id, cp.ID, DecisionAccept, "lead@example.com"))

	// A checkpoint gate held no failure; acceptance is not an override.
	done := h.waitStatus(t, id, types.MissionDone)
	assert.Empty(t, done.Issues)
	assert.Equal(t, 1, h.exec.callsFor("qa-1"), "the review phase must not rerun")
	assert.Equal(t, 1, h.exec.callsFor("dev-1"), "the ship phase must run after sign-off")
}

func TestHumanDecideCheckpointRejectFails(t *testing.T) {
	templates := `
workflows:
  - id: supervised
    phases:
      - name: review
        pattern: qa-solo
        gate: no_veto
        on_failure: human_decide
patterns:
  - id: qa-solo
    type: solo
    participants:
      - agent_id: qa-1
`
	h := newHarness(t, templates, map[string][]string{
		"qa-1": {"VETO: unsafe"},
	}, agentDef("qa-1", types.RoleQA, types.VetoStrong))
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "supervised", types.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)

	h.waitStatus(t, id, types.MissionPaused)
	cp, err := h.store.PendingCheckpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)

	require.NoError(t, h.svc.ApproveCheckpoint(ctx, id, cp.ID, DecisionReject, "ops@example.com"))
	h.waitStatus(t, id, types.MissionFailed)
}

func TestHumanInTheLoopPatternResumes(t *testing.T) {
	templates := `
workflows:
  - id: staged
    phases:
      - name: rollout
        pattern: approve-then-apply
        gate: no_veto
patterns:
  - id: approve-then-apply
    type: human_in_the_loop
    participants:
      - agent_id: planner-1
      - agent_id: applier-1
    edges:
      - from: 0
        to: 1
        kind: escalate
`
	h := newHarness(t, templates, map[string][]string{
		"planner-1": {"rollout plan: canary first"},
		"applier-1": {"canary applied"},
	},
		agentDef("planner-1", types.RoleDevOps, types.VetoNone),
		agentDef("applier-1", types.RoleDevOps, types.VetoNone),
	)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "staged", types.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)

	// The pattern pauses after the planner.
	h.waitStatus(t, id, types.MissionPaused)
	assert.Equal(t, 0, h.exec.callsFor("applier-1"))
	cp, err := h.store.PendingCheckpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)

	require.NoError(t, h.svc.ApproveCheckpoint(ctx, id, cp.ID, DecisionAccept, "sre@example.com"))

	done := h.waitStatus(t, id, types.MissionDone)
	assert.Empty(t, done.Issues)
	// The planner did not rerun; the pattern resumed mid-run.
	assert.Equal(t, 1, h.exec.callsFor("planner-1"))
	assert.Equal(t, 1, h.exec.callsFor("applier-1"))
}

func TestMissingPatternIsStructuralFailure(t *testing.T) {
	templates := `
workflows:
  - id: broken
    phases:
      - name: plan
        pattern: ghost
patterns:
  - id: unused
    type: solo
    participants:
      - agent_id: arch-1
`
	h := newHarness(t, templates, nil, agentDef("arch-1", types.RoleArchitecture, types.VetoNone))
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "broken", types.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)

	failed := h.waitStatus(t, id, types.MissionFailed)
	require.NotEmpty(t, failed.Issues)
	assert.Contains(t, failed.Issues[0], `"ghost"`)
}

func TestCreateMissionUnknownWorkflow(t *testing.T) {
	h := newHarness(t, deliveryTemplates, nil, deliveryAgents()...)
	_, err := h.svc.CreateMission(context.Background(), "proj-1", "nope", types.WSJF{})
	assert.Error(t, err)
}

func TestStartMissionTerminalRejected(t *testing.T) {
	h := newHarness(t, deliveryTemplates, nil, deliveryAgents()...)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, "proj-1", "feature-delivery", types.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)
	h.waitStatus(t, id, types.MissionDone)

	err = h.svc.StartMission(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")
}

func TestResumeOnBootReadmitsRunning(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := storage.Open(storage.Config{Path: ":memory:", Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates.yaml"), []byte(deliveryTemplates), 0o644))
	lib := workflow.NewLibrary(dir, logger)
	require.NoError(t, lib.Load())

	reg := agent.NewRegistry(logger)
	for _, d := range deliveryAgents() {
		require.NoError(t, reg.Register(d))
	}
	engine, err := patterns.NewEngine(patterns.Config{
		Executor: newScriptedRunner(nil),
		Agents:   reg,
		Logger:   logger,
	})
	require.NoError(t, err)
	emitter := events.NewEmitter(store, logger)
	t.Cleanup(emitter.Close)

	// A run left in status running by a crashed process.
	ctx := context.Background()
	wf, err := lib.Workflow("feature-delivery")
	require.NoError(t, err)
	m := &types.MissionRun{
		ID:         "m-crashed",
		ProjectID:  "proj-1",
		WorkflowID: "feature-delivery",
		Status:     types.MissionQueued,
		Sprint:     1,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateMission(ctx, m, wf))
	require.NoError(t, store.UpdateMissionStatus(ctx, m.ID, types.MissionRunning, "", nil))

	svc, err := NewService(Config{
		Store:   store,
		Library: lib,
		Engine:  engine,
		Emitter: emitter,
		Logger:  logger,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	require.Eventually(t, func() bool {
		loaded, err := store.GetMission(ctx, m.ID)
		return err == nil && loaded.Status == types.MissionDone
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdmissionQueueOrdersByWSJF(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := storage.Open(storage.Config{Path: ":memory:", Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates.yaml"), []byte(deliveryTemplates), 0o644))
	lib := workflow.NewLibrary(dir, logger)
	require.NoError(t, lib.Load())
	engine, err := patterns.NewEngine(patterns.Config{Executor: newScriptedRunner(nil), Logger: logger})
	require.NoError(t, err)
	emitter := events.NewEmitter(store, logger)
	t.Cleanup(emitter.Close)

	// Not started: the queue is inspected directly.
	svc, err := NewService(Config{Store: store, Library: lib, Engine: engine, Emitter: emitter, Logger: logger})
	require.NoError(t, err)

	svc.enqueue("low", types.WSJF{BusinessValue: 1, JobDuration: 2})
	svc.enqueue("high", types.WSJF{BusinessValue: 8, JobDuration: 1})
	svc.enqueue("mid", types.WSJF{BusinessValue: 4, JobDuration: 1})
	svc.enqueue("mid-later", types.WSJF{BusinessValue: 4, JobDuration: 1})

	order := []string{}
	for {
		id, ok := svc.popNext()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"high", "mid", "mid-later", "low"}, order)
}
