// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/agent"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap/zaptest"
)

// fakeExecutor plays scripted outputs per agent id; the last entry
// repeats when the script runs out.
type fakeExecutor struct {
	mu      sync.Mutex
	scripts map[string][]string
	cursor  map[string]int
	reqs    []agent.TurnRequest
}

func newFakeExecutor(scripts map[string][]string) *fakeExecutor {
	return &fakeExecutor{scripts: scripts, cursor: make(map[string]int)}
}

func (f *fakeExecutor) RunTurn(_ context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)

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

func (f *fakeExecutor) callsFor(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.reqs {
		if req.Agent.ID == agentID {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) lastReqFor(agentID string) (agent.TurnRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.reqs) - 1; i >= 0; i-- {
		if f.reqs[i].Agent.ID == agentID {
			return f.reqs[i], true
		}
	}
	return agent.TurnRequest{}, false
}

func def(id string, role types.Role, veto types.VetoLevel) *types.AgentDefinition {
	return &types.AgentDefinition{
		ID:          id,
		Role:        role,
		Permissions: types.Permissions{Veto: veto},
	}
}

func newTestEngine(t *testing.T, exec TurnRunner, defs ...*types.AgentDefinition) *Engine {
	t.Helper()
	reg := agent.NewRegistry(zaptest.NewLogger(t))
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	e, err := NewEngine(Config{
		Executor: exec,
		Agents:   reg,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return e
}

func pattern(id string, typ types.PatternType, agentIDs ...string) *types.PatternDefinition {
	p := &types.PatternDefinition{ID: id, Type: typ}
	for _, a := range agentIDs {
		p.Participants = append(p.Participants, types.Participant{AgentID: a})
	}
	return p
}

func run(t *testing.T, e *Engine, p *types.PatternDefinition) *RunResult {
	t.Helper()
	result, err := e.Execute(context.Background(), RunRequest{
		Pattern:    p,
		MissionID:  "m-1",
		ProjectID:  "proj-1",
		PhaseName:  "implement",
		PhaseType:  "implement",
		Technology: "generic",
		Input:      "Build the login feature.",
	})
	require.NoError(t, err)
	return result
}

func TestSoloPattern(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{"dev-a": {"implemented the feature"}})
	e := newTestEngine(t, exec, def("dev-a", types.RoleDeveloper, types.VetoNone))

	result := run(t, e, pattern("p", types.PatternSolo, "dev-a"))
	assert.Equal(t, "implemented the feature", result.Output)
	assert.Equal(t, types.NodeCompleted, result.Statuses["dev-a"])
	assert.EqualValues(t, 15, result.Usage.TotalTokens)
}

func TestSequentialOrderAndTranscript(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"dev-a": {"part one"},
		"dev-b": {"part two"},
	})
	e := newTestEngine(t, exec,
		def("dev-a", types.RoleDeveloper, types.VetoNone),
		def("dev-b", types.RoleDeveloper, types.VetoNone))

	result := run(t, e, pattern("p", types.PatternSequential, "dev-a", "dev-b"))
	assert.Equal(t, "part one\n\npart two", result.Output)

	// The second agent sees the first one's output.
	req, ok := exec.lastReqFor("dev-b")
	require.True(t, ok)
	require.Len(t, req.Conversation, 1)
	assert.Equal(t, "part one", req.Conversation[0].Content)
	assert.Equal(t, "dev-a", req.Conversation[0].AgentID)
}

func TestSequentialVetoHaltsChain(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"dev-a": {"looks fine"},
		"rev-b": {"VETO: missing error handling"},
		"dev-c": {"never reached"},
	})
	e := newTestEngine(t, exec,
		def("dev-a", types.RoleDeveloper, types.VetoNone),
		def("rev-b", types.RoleQA, types.VetoStrong),
		def("dev-c", types.RoleDeveloper, types.VetoNone))

	result := run(t, e, pattern("p", types.PatternSequential, "dev-a", "rev-b", "dev-c"))
	assert.True(t, result.Vetoed)
	assert.Equal(t, "rev-b", result.VetoedBy)
	assert.False(t, result.AbsoluteVeto)
	assert.Equal(t, types.NodeVetoed, result.Statuses["rev-b"])
	assert.Equal(t, types.NodePending, result.Statuses["dev-c"])
	assert.Equal(t, 0, exec.callsFor("dev-c"))
}

func TestVetoWithoutPermissionIsJustText(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{"dev-a": {"VETO: I object loudly"}})
	e := newTestEngine(t, exec, def("dev-a", types.RoleDeveloper, types.VetoNone))

	result := run(t, e, pattern("p", types.PatternSolo, "dev-a"))
	assert.False(t, result.Vetoed)
	assert.Equal(t, types.NodeCompleted, result.Statuses["dev-a"])
}

func TestParallelDeclaredOrder(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"dev-a": {"alpha"},
		"dev-b": {"bravo"},
		"dev-c": {"charlie"},
	})
	e := newTestEngine(t, exec,
		def("dev-a", types.RoleDeveloper, types.VetoNone),
		def("dev-b", types.RoleDeveloper, types.VetoNone),
		def("dev-c", types.RoleDeveloper, types.VetoNone))

	p := pattern("p", types.PatternParallel, "dev-a", "dev-b", "dev-c")
	p.Config.WIPLimit = 2
	result := run(t, e, p)

	require.Len(t, result.Outputs, 3)
	assert.Equal(t, "dev-a", result.Outputs[0].AgentID)
	assert.Equal(t, "dev-b", result.Outputs[1].AgentID)
	assert.Equal(t, "dev-c", result.Outputs[2].AgentID)
	assert.Equal(t, "alpha\n\nbravo\n\ncharlie", result.Output)
}

func TestCascadeAbsoluteVetoShortCircuit(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"code-critic": {"code quality acceptable"},
		"sec-critic":  {"VETO: credentials committed in plain text"},
		"arch-critic": {"never reached"},
	})
	e := newTestEngine(t, exec,
		def("code-critic", types.RoleAdversarial, types.VetoStrong),
		def("sec-critic", types.RoleAdversarial, types.VetoAbsolute),
		def("arch-critic", types.RoleAdversarial, types.VetoStrong))

	result := run(t, e, pattern("p", types.PatternAdversarialCascade, "code-critic", "sec-critic", "arch-critic"))
	assert.True(t, result.AbsoluteVeto)
	assert.Equal(t, types.NodeVetoed, result.Statuses["sec-critic"])
	assert.Equal(t, types.NodePending, result.Statuses["arch-critic"])
	assert.Equal(t, 0, exec.callsFor("arch-critic"))

	outcome, _ := EvaluateGate(types.GateNoVeto, result)
	assert.Equal(t, GateFail, outcome)
}

func TestCascadeCollectsLesserVetoes(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"code-critic": {"VETO: untested edge cases"},
		"sec-critic":  {"no security concerns"},
	})
	e := newTestEngine(t, exec,
		def("code-critic", types.RoleAdversarial, types.VetoStrong),
		def("sec-critic", types.RoleAdversarial, types.VetoStrong))

	result := run(t, e, pattern("p", types.PatternAdversarialCascade, "code-critic", "sec-critic"))
	assert.True(t, result.Vetoed)
	assert.False(t, result.AbsoluteVeto)
	assert.Equal(t, 1, exec.callsFor("sec-critic"), "a non-absolute veto does not stop the cascade")
}

func TestRouterPicksRoute(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"dispatcher": {"ROUTE: 2"},
		"dev-front":  {"frontend work"},
		"dev-back":   {"backend work"},
	})
	e := newTestEngine(t, exec,
		def("dispatcher", types.RoleOrchestrator, types.VetoNone),
		def("dev-front", types.RoleDeveloper, types.VetoNone),
		def("dev-back", types.RoleDeveloper, types.VetoNone))

	result := run(t, e, pattern("p", types.PatternRouter, "dispatcher", "dev-front", "dev-back"))
	assert.Equal(t, "backend work", result.Output)
	assert.Equal(t, types.NodePending, result.Statuses["dev-front"])
	assert.Equal(t, 0, exec.callsFor("dev-front"))
	assert.Equal(t, types.NodeCompleted, result.Statuses["dev-back"])
}

func TestNetworkMajorityVote(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"agent-a": {"proposal alpha", "VOTE: 2"},
		"agent-b": {"proposal bravo", "VOTE: 2"},
		"agent-c": {"proposal charlie", "VOTE: 3"},
	})
	e := newTestEngine(t, exec,
		def("agent-a", types.RoleDeveloper, types.VetoNone),
		def("agent-b", types.RoleDeveloper, types.VetoNone),
		def("agent-c", types.RoleDeveloper, types.VetoNone))

	result := run(t, e, pattern("p", types.PatternNetwork, "agent-a", "agent-b", "agent-c"))
	assert.Equal(t, "proposal bravo", result.Output)
}

func TestAggregatorSynthesis(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"worker-a": {"numbers from A"},
		"worker-b": {"numbers from B"},
		"synth":    {"combined report"},
	})
	e := newTestEngine(t, exec,
		def("worker-a", types.RoleDeveloper, types.VetoNone),
		def("worker-b", types.RoleDeveloper, types.VetoNone),
		def("synth", types.RoleArchitecture, types.VetoNone))

	result := run(t, e, pattern("p", types.PatternAggregator, "worker-a", "worker-b", "synth"))
	assert.Equal(t, "combined report", result.Output)

	req, ok := exec.lastReqFor("synth")
	require.True(t, ok)
	assert.Contains(t, req.Input, "numbers from A")
	assert.Contains(t, req.Input, "numbers from B")
}

func TestDebateEvaluatorVerdict(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"pro":   {"argument for"},
		"con":   {"argument against"},
		"judge": {"the pro side carried the debate"},
	})
	e := newTestEngine(t, exec,
		def("pro", types.RoleDeveloper, types.VetoNone),
		def("con", types.RoleDeveloper, types.VetoNone),
		def("judge", types.RoleAdversarial, types.VetoNone))

	p := pattern("p", types.PatternDebate, "pro", "con", "judge")
	p.Config.MaxIterations = 2
	result := run(t, e, p)

	assert.Equal(t, "the pro side carried the debate", result.Output)
	assert.Equal(t, 2, exec.callsFor("pro"))
	assert.Equal(t, 2, exec.callsFor("con"))
	assert.Equal(t, 1, exec.callsFor("judge"))
}

func TestHierarchicalLeadOwnsOutput(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"lead":  {"breakdown: task 1, task 2", "final deliverable"},
		"sub-a": {"did task 1"},
		"sub-b": {"did task 2"},
	})
	e := newTestEngine(t, exec,
		def("lead", types.RoleArchitecture, types.VetoNone),
		def("sub-a", types.RoleDeveloper, types.VetoNone),
		def("sub-b", types.RoleDeveloper, types.VetoNone))

	result := run(t, e, pattern("p", types.PatternHierarchical, "lead", "sub-a", "sub-b"))
	assert.Equal(t, "final deliverable", result.Output)
	assert.Equal(t, types.NodeCompleted, result.Statuses["sub-a"])

	req, ok := exec.lastReqFor("sub-a")
	require.True(t, ok)
	assert.Contains(t, req.Input, "breakdown: task 1, task 2")
}

func TestLoopIteratesUntilNoVeto(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"dev-a": {"VETO: tests failing", "all tests green now"},
	})
	e := newTestEngine(t, exec, def("dev-a", types.RoleDeveloper, types.VetoAdvisory))

	p := pattern("p", types.PatternLoop, "dev-a")
	p.Config.MaxIterations = 5
	result := run(t, e, p)

	assert.Equal(t, 2, exec.callsFor("dev-a"))
	assert.Equal(t, types.NodeCompleted, result.Statuses["dev-a"])
	assert.Contains(t, strings.Join(result.Annotations, ";"), "converged after 2 iterations")
}

func TestWaveStaging(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"w1-a": {"wave one a"},
		"w1-b": {"wave one b"},
		"w2-a": {"wave two a"},
	})
	e := newTestEngine(t, exec,
		def("w1-a", types.RoleDeveloper, types.VetoNone),
		def("w1-b", types.RoleDeveloper, types.VetoNone),
		def("w2-a", types.RoleDeveloper, types.VetoNone))

	p := pattern("p", types.PatternWave, "w1-a", "w1-b", "w2-a")
	p.Config.WIPLimit = 2
	result := run(t, e, p)

	// The second wave sees the first wave's transcript.
	req, ok := exec.lastReqFor("w2-a")
	require.True(t, ok)
	assert.Len(t, req.Conversation, 2)
	assert.Equal(t, "wave one a\n\nwave one b\n\nwave two a", result.Output)
}

func TestHumanInTheLoopCheckpointAndResume(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"drafter":  {"draft ready for review"},
		"finisher": {"final version shipped"},
	})
	e := newTestEngine(t, exec,
		def("drafter", types.RoleDeveloper, types.VetoNone),
		def("finisher", types.RoleDeveloper, types.VetoNone))

	p := pattern("p", types.PatternHumanInTheLoop, "drafter", "finisher")
	p.Edges = []types.Edge{{From: 0, To: 1, Kind: types.EdgeEscalate}}

	req := RunRequest{
		Pattern:   p,
		MissionID: "m-1",
		PhaseName: "implement",
		Input:     "Write the announcement.",
	}
	result, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Paused())
	assert.Equal(t, 1, result.Checkpoint.NextIndex)
	assert.Equal(t, types.NodePending, result.Statuses["finisher"])

	outcome, _ := EvaluateGate(types.GateNoVeto, result)
	assert.Equal(t, GatePending, outcome)

	resumed, err := e.Resume(context.Background(), req, result.Checkpoint)
	require.NoError(t, err)
	assert.False(t, resumed.Paused())
	assert.Equal(t, types.NodeCompleted, resumed.Statuses["finisher"])
	assert.Equal(t, "draft ready for review\n\nfinal version shipped", resumed.Output)
}

func TestHumanInTheLoopDefaultsToFirstParticipantPause(t *testing.T) {
	exec := newFakeExecutor(map[string][]string{
		"drafter":  {"draft ready for review"},
		"finisher": {"final version shipped"},
	})
	e := newTestEngine(t, exec,
		def("drafter", types.RoleDeveloper, types.VetoNone),
		def("finisher", types.RoleDeveloper, types.VetoNone))

	// No escalate edges: the pattern still pauses after its first
	// participant rather than running straight through.
	p := pattern("p", types.PatternHumanInTheLoop, "drafter", "finisher")

	req := RunRequest{
		Pattern:   p,
		MissionID: "m-1",
		PhaseName: "implement",
		Input:     "Write the announcement.",
	}
	result, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Paused())
	assert.Equal(t, 1, result.Checkpoint.NextIndex)
	assert.Equal(t, 0, exec.callsFor("finisher"))

	resumed, err := e.Resume(context.Background(), req, result.Checkpoint)
	require.NoError(t, err)
	assert.False(t, resumed.Paused())
	assert.Equal(t, "draft ready for review\n\nfinal version shipped", resumed.Output)
}

func TestEvaluateGateAllApproved(t *testing.T) {
	pass := &RunResult{
		Statuses: map[string]types.NodeStatus{
			"dev-a": types.NodeCompleted,
			"adv-x": types.NodeCompleted,
		},
		Outputs: []NodeOutput{
			{AgentID: "dev-a", Role: types.RoleDeveloper, Status: types.NodeCompleted},
			{AgentID: "adv-x", Role: types.RoleAdversarial, Status: types.NodeCompleted},
		},
	}
	outcome, _ := EvaluateGate(types.GateAllApproved, pass)
	assert.Equal(t, GatePass, outcome)

	// The adversarial reviewer rejected: gate fails even though every
	// producer completed.
	rejected := &RunResult{
		Statuses: map[string]types.NodeStatus{
			"dev-a": types.NodeCompleted,
			"adv-x": types.NodeVetoed,
		},
		Outputs: []NodeOutput{
			{AgentID: "dev-a", Role: types.RoleDeveloper, Status: types.NodeCompleted},
			{AgentID: "adv-x", Role: types.RoleAdversarial, Status: types.NodeVetoed},
		},
	}
	outcome, notes := EvaluateGate(types.GateAllApproved, rejected)
	assert.Equal(t, GateFail, outcome)
	assert.NotEmpty(t, notes)
}

func TestEvaluateGateAlwaysAnnotates(t *testing.T) {
	result := &RunResult{
		Statuses: map[string]types.NodeStatus{"dev-a": types.NodeFailed},
		Outputs: []NodeOutput{
			{AgentID: "dev-a", Role: types.RoleDeveloper, Status: types.NodeFailed},
		},
	}
	outcome, notes := EvaluateGate(types.GateAlways, result)
	assert.Equal(t, GatePass, outcome)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "dev-a failed")
}

func TestRoleParticipantNeedsResolver(t *testing.T) {
	exec := newFakeExecutor(nil)
	e := newTestEngine(t, exec, def("dev-a", types.RoleDeveloper, types.VetoNone))

	p := &types.PatternDefinition{
		ID:           "p",
		Type:         types.PatternSolo,
		Participants: []types.Participant{{Role: types.RoleDeveloper}},
	}
	_, err := e.Execute(context.Background(), RunRequest{Pattern: p, Input: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector")
}
