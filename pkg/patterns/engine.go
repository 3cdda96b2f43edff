// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package patterns executes collaboration topologies over a resolved
// agent set. Each pattern type has one runner behind a single Execute
// dispatch; the output of a run is a NodeStatus map plus the
// declared-order concatenation or aggregation of node outputs.
package patterns

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teradata-labs/tapestry/pkg/adversarial"
	"github.com/teradata-labs/tapestry/pkg/agent"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a pattern run when the definition sets none.
const DefaultTimeout = 30 * time.Minute

// defaultIterations bounds loop and debate rounds when the definition
// sets none.
const defaultIterations = 3

// TurnRunner executes one agent turn. Implemented by *agent.Executor.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// AgentLookup resolves concrete agent ids. Implemented by
// *agent.Registry.
type AgentLookup interface {
	Get(id string) (*types.AgentDefinition, error)
}

// AgentResolver binds role-typed participants to concrete agents.
// Implemented by *darwin.Selector.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, role types.Role, patternID, technology, phaseType string) (*types.AgentDefinition, error)
}

// Reviewer vets node outputs. Implemented by *adversarial.Guard.
type Reviewer interface {
	ReviewTurn(ctx context.Context, turn *adversarial.Turn) *adversarial.Review
}

// ToolSource supplies the per-agent tool allow-list.
type ToolSource interface {
	ToolsFor(def *types.AgentDefinition) []shuttle.Tool
}

// Config configures the engine.
type Config struct {
	Executor TurnRunner
	Agents   AgentLookup
	Darwin   AgentResolver
	Guard    Reviewer
	Tools    ToolSource
	Tracer   observability.Tracer
	Logger   *zap.Logger

	// DefaultTimeout overrides the package default pattern timeout.
	DefaultTimeout time.Duration
}

// Engine dispatches pattern runs to per-topology runners.
type Engine struct {
	executor TurnRunner
	agents   AgentLookup
	darwin   AgentResolver
	guard    Reviewer
	tools    ToolSource
	tracer   observability.Tracer
	logger   *zap.Logger
	timeout  time.Duration
}

// NewEngine creates a pattern engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("turn executor is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Engine{
		executor: cfg.Executor,
		agents:   cfg.Agents,
		darwin:   cfg.Darwin,
		guard:    cfg.Guard,
		tools:    cfg.Tools,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		timeout:  cfg.DefaultTimeout,
	}, nil
}

// RunRequest is one pattern run inside a mission phase.
type RunRequest struct {
	Pattern *types.PatternDefinition

	MissionID  string
	ProjectID  string
	PhaseName  string
	PhaseType  string
	Technology string
	SessionID  string
	Sprint     int

	// Input is the message that opens the run.
	Input string
}

// NodeOutput is one participant's terminal contribution.
type NodeOutput struct {
	AgentID string              `json:"agent_id"`
	Role    types.Role          `json:"role"`
	Status  types.NodeStatus    `json:"status"`
	Output  string              `json:"output,omitempty"`
	Review  *adversarial.Review `json:"review,omitempty"`
}

// Checkpoint is the persisted pause state of a human-in-the-loop run.
type Checkpoint struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	NextIndex  int             `json:"next_index"`
	Reason     string          `json:"reason,omitempty"`
	Transcript []types.Message `json:"transcript,omitempty"`
	Outputs    []NodeOutput    `json:"outputs,omitempty"`
}

// RunResult is the full outcome of one pattern run.
type RunResult struct {
	RunID string            `json:"run_id"`
	Type  types.PatternType `json:"type"`

	// Statuses maps agent id to terminal node status. Participants
	// that were never instantiated stay pending.
	Statuses map[string]types.NodeStatus `json:"statuses"`

	// Outputs holds per-node results in participant declaration order.
	Outputs []NodeOutput `json:"outputs"`

	// Output is the concatenated or aggregated final text.
	Output string `json:"output"`

	Vetoed       bool   `json:"vetoed"`
	VetoedBy     string `json:"vetoed_by,omitempty"`
	AbsoluteVeto bool   `json:"absolute_veto"`

	Annotations []string `json:"annotations,omitempty"`

	// Checkpoint is set when a human-in-the-loop run paused.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`

	Usage      types.Usage `json:"usage"`
	DurationMs int64       `json:"duration_ms"`
}

// Paused reports whether the run stopped at a checkpoint.
func (r *RunResult) Paused() bool { return r.Checkpoint != nil }

// runState carries one run's working set across runners. The mutex
// guards result mutation during concurrent stages; transcript and
// Outputs are only touched between stages.
type runState struct {
	req   RunRequest
	runID string
	defs  []*types.AgentDefinition

	mu         sync.Mutex
	result     *RunResult
	transcript []types.Message
}

func (st *runState) setStatus(id string, s types.NodeStatus) {
	st.mu.Lock()
	st.result.Statuses[id] = s
	st.mu.Unlock()
}

func (st *runState) annotate(a string) {
	st.mu.Lock()
	st.result.Annotations = append(st.result.Annotations, a)
	st.mu.Unlock()
}

func (st *runState) addUsage(u types.Usage) {
	st.mu.Lock()
	st.result.Usage.Add(u)
	st.mu.Unlock()
}

func (st *runState) markVeto(id string, level types.VetoLevel) {
	st.mu.Lock()
	st.result.Vetoed = true
	st.result.VetoedBy = id
	if level == types.VetoAbsolute {
		st.result.AbsoluteVeto = true
	}
	st.mu.Unlock()
}

// Execute runs one pattern to a terminal state, the configured timeout,
// or a checkpoint pause.
func (e *Engine) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Pattern == nil {
		return nil, fmt.Errorf("pattern definition is required")
	}
	if len(req.Pattern.Participants) == 0 {
		return nil, fmt.Errorf("pattern %s has no participants", req.Pattern.ID)
	}
	start := time.Now()

	ctx, span := e.tracer.StartSpan(ctx, observability.SpanPatternExecution,
		observability.WithAttribute(observability.AttrPatternType, string(req.Pattern.Type)),
		observability.WithAttribute(observability.AttrMissionID, req.MissionID))
	defer e.tracer.EndSpan(span)

	timeout := req.Pattern.Config.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, err := e.newRunState(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttribute("pattern.run_id", st.runID)

	e.logger.Info("pattern run started",
		zap.String("run_id", st.runID),
		zap.String("type", string(req.Pattern.Type)),
		zap.String("mission_id", req.MissionID),
		zap.Int("participants", len(st.defs)))

	if err := e.dispatch(ctx, st, 0); err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.finish(st)
	st.result.DurationMs = time.Since(start).Milliseconds()

	e.logger.Info("pattern run finished",
		zap.String("run_id", st.runID),
		zap.Bool("vetoed", st.result.Vetoed),
		zap.Bool("paused", st.result.Paused()),
		zap.Int64("duration_ms", st.result.DurationMs))
	return st.result, nil
}

// Resume continues a human-in-the-loop run from its checkpoint after an
// external approval.
func (e *Engine) Resume(ctx context.Context, req RunRequest, cp *Checkpoint) (*RunResult, error) {
	if req.Pattern == nil || cp == nil {
		return nil, fmt.Errorf("resume requires a pattern and a checkpoint")
	}
	if req.Pattern.Type != types.PatternHumanInTheLoop {
		return nil, fmt.Errorf("pattern %s is not resumable", req.Pattern.Type)
	}
	start := time.Now()

	ctx, span := e.tracer.StartSpan(ctx, observability.SpanPatternExecution,
		observability.WithAttribute(observability.AttrPatternType, string(req.Pattern.Type)),
		observability.WithAttribute(observability.AttrMissionID, req.MissionID))
	defer e.tracer.EndSpan(span)

	st, err := e.newRunState(ctx, req)
	if err != nil {
		return nil, err
	}
	st.runID = cp.RunID
	st.transcript = cp.Transcript
	for _, out := range cp.Outputs {
		st.result.Outputs = append(st.result.Outputs, out)
		st.result.Statuses[out.AgentID] = out.Status
	}

	if err := e.dispatch(ctx, st, cp.NextIndex); err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.finish(st)
	st.result.DurationMs = time.Since(start).Milliseconds()
	return st.result, nil
}

func (e *Engine) dispatch(ctx context.Context, st *runState, startIndex int) error {
	switch st.req.Pattern.Type {
	case types.PatternSolo:
		return e.runSolo(ctx, st)
	case types.PatternSequential:
		return e.runSequential(ctx, st)
	case types.PatternParallel:
		return e.runParallel(ctx, st)
	case types.PatternLoop:
		return e.runLoop(ctx, st)
	case types.PatternHierarchical:
		return e.runHierarchical(ctx, st)
	case types.PatternNetwork:
		return e.runNetwork(ctx, st)
	case types.PatternRouter:
		return e.runRouter(ctx, st)
	case types.PatternAggregator:
		return e.runAggregator(ctx, st)
	case types.PatternDebate, types.PatternAdversarialPair:
		return e.runDebate(ctx, st)
	case types.PatternAdversarialCascade:
		return e.runCascade(ctx, st)
	case types.PatternWave:
		return e.runWave(ctx, st)
	case types.PatternHumanInTheLoop:
		return e.runHumanInTheLoop(ctx, st, startIndex)
	default:
		return fmt.Errorf("unsupported pattern type: %s", st.req.Pattern.Type)
	}
}

// newRunState resolves every participant to a concrete agent. A
// reference to a missing agent is structural and fails the run.
func (e *Engine) newRunState(ctx context.Context, req RunRequest) (*runState, error) {
	defs := make([]*types.AgentDefinition, len(req.Pattern.Participants))
	for i, p := range req.Pattern.Participants {
		def, err := e.resolveParticipant(ctx, req, p)
		if err != nil {
			return nil, fmt.Errorf("participant %d: %w", i, err)
		}
		defs[i] = def
	}

	st := &runState{
		req:   req,
		runID: uuid.NewString(),
		defs:  defs,
		result: &RunResult{
			Type:     req.Pattern.Type,
			Statuses: make(map[string]types.NodeStatus, len(defs)),
		},
	}
	st.result.RunID = st.runID
	for _, def := range defs {
		st.result.Statuses[def.ID] = types.NodePending
	}
	return st, nil
}

func (e *Engine) resolveParticipant(ctx context.Context, req RunRequest, p types.Participant) (*types.AgentDefinition, error) {
	if p.Resolved() {
		if e.agents == nil {
			return nil, fmt.Errorf("no agent lookup configured")
		}
		return e.agents.Get(p.AgentID)
	}
	if e.darwin == nil {
		return nil, fmt.Errorf("role %q needs a selector to resolve", p.Role)
	}
	return e.darwin.ResolveAgent(ctx, p.Role, req.Pattern.ID, req.Technology, req.PhaseType)
}

// nodeResult is the internal outcome of one node turn.
type nodeResult struct {
	status types.NodeStatus
	output string
	review *adversarial.Review
	veto   types.VetoLevel
	turn   *agent.TurnResult
}

// runNode executes one participant's turn, reviews the output, and
// records the node status. The transcript is not advanced here; runners
// decide what later nodes see.
func (e *Engine) runNode(ctx context.Context, st *runState, idx int, input string, conversation []types.Message) *nodeResult {
	def := st.defs[idx]
	st.setStatus(def.ID, types.NodeRunning)

	var tools []shuttle.Tool
	if e.tools != nil {
		tools = e.tools.ToolsFor(def)
	}

	turn, err := e.executor.RunTurn(ctx, agent.TurnRequest{
		Agent:        def,
		MissionID:    st.req.MissionID,
		ProjectID:    st.req.ProjectID,
		Phase:        st.req.PhaseName,
		PatternRunID: st.runID,
		SessionID:    st.req.SessionID,
		Sprint:       st.req.Sprint,
		Technology:   st.req.Technology,
		Conversation: conversation,
		Input:        input,
		Tools:        tools,
	})
	if err != nil {
		e.logger.Warn("node turn failed",
			zap.String("run_id", st.runID),
			zap.String("agent_id", def.ID),
			zap.Error(err))
		st.setStatus(def.ID, types.NodeFailed)
		return &nodeResult{status: types.NodeFailed}
	}

	st.addUsage(turn.Usage)
	res := &nodeResult{status: types.NodeCompleted, output: turn.Output, turn: turn}

	if turn.Escalated {
		res.status = types.NodeFailed
		st.annotate(fmt.Sprintf("%s: halted on policy refusal", def.ID))
	} else if IsVeto(turn.Output) && def.Permissions.Veto != types.VetoNone {
		res.status = types.NodeVetoed
		res.veto = def.Permissions.Veto
	}

	if e.guard != nil && res.status == types.NodeCompleted {
		res.review = e.guard.ReviewTurn(ctx, &adversarial.Turn{
			AgentID:      def.ID,
			MissionID:    st.req.MissionID,
			PatternType:  st.req.Pattern.Type,
			PatternRunID: st.runID,
			Technology:   st.req.Technology,
			Prompt:       input,
			Output:       turn.Output,
			Annotations:  turn.Annotations,
			ToolRecords:  callRecords(turn),
		})
		if res.review.Rejected() {
			res.status = types.NodeFailed
			st.annotate(fmt.Sprintf("%s: output rejected by adversarial guard", def.ID))
		}
	}

	st.setStatus(def.ID, res.status)
	if res.status == types.NodeVetoed {
		st.markVeto(def.ID, res.veto)
	}
	return res
}

// recordNode appends a node's terminal contribution in declared order.
func (st *runState) recordNode(idx int, res *nodeResult) {
	def := st.defs[idx]
	st.result.Outputs = append(st.result.Outputs, NodeOutput{
		AgentID: def.ID,
		Role:    def.Role,
		Status:  res.status,
		Output:  res.output,
		Review:  res.review,
	})
}

// appendTranscript adds a completed node's output as an assistant
// message later nodes can see.
func (st *runState) appendTranscript(idx int, res *nodeResult) {
	if res.output == "" {
		return
	}
	st.transcript = append(st.transcript, types.Message{
		Role:      "assistant",
		Content:   res.output,
		AgentID:   st.defs[idx].ID,
		Timestamp: time.Now().UTC(),
	})
}

// finish fills the concatenated output for runners that did not set one
// explicitly. Outputs appear in participant declaration order.
func (e *Engine) finish(st *runState) {
	if st.result.Output != "" {
		return
	}
	var parts []string
	for _, out := range st.result.Outputs {
		if out.Status == types.NodeCompleted && out.Output != "" {
			parts = append(parts, out.Output)
		}
	}
	st.result.Output = strings.Join(parts, "\n\n")
}

// IsVeto reports whether an agent output is a veto. Agents veto by
// opening their final message with the VETO marker.
func IsVeto(output string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(output)), "VETO")
}

// callRecords projects a turn's tool messages into call records for the
// adversarial hallucination cross-check.
func callRecords(turn *agent.TurnResult) []*shuttle.CallRecord {
	names := make(map[string]string)
	var out []*shuttle.CallRecord
	for _, msg := range turn.Messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
		if msg.Role == "tool" && msg.ToolResult != nil {
			out = append(out, &shuttle.CallRecord{
				Tool:    names[msg.ToolUseID],
				Success: msg.ToolResult.Success,
			})
		}
	}
	return out
}
