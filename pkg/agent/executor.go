// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/teradata-labs/tapestry/pkg/bus"
	"github.com/teradata-labs/tapestry/pkg/llm"
	"github.com/teradata-labs/tapestry/pkg/memory"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

const (
	// MaxToolRounds caps the tool loop inside one turn.
	MaxToolRounds = 15

	// conversationWindow is the sliding window over prior messages.
	conversationWindow = 40

	// AnnotationRoundCap marks a turn that hit the tool-round cap. The
	// adversarial guard treats such output as partial.
	AnnotationRoundCap = "round_cap_reached"
)

// CompletionClient is the LLM surface the executor needs. Implemented
// by *llm.Client.
type CompletionClient interface {
	Call(ctx context.Context, req llm.Request) (*types.LLMResponse, error)
}

// ToolInvoker dispatches tool calls. Implemented by *shuttle.Executor.
type ToolInvoker interface {
	Invoke(ctx context.Context, caller shuttle.Caller, toolName string, args map[string]interface{}) (*shuttle.Result, error)
}

// ContextInjector builds the memory prompt fragment. Implemented by
// *memory.Manager.
type ContextInjector interface {
	InjectContext(ctx context.Context, req memory.InjectRequest) string
}

// Publisher sends bus envelopes. Implemented by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, env *bus.Envelope) error
}

// ExecutorConfig configures the turn executor.
type ExecutorConfig struct {
	LLM    CompletionClient
	Tools  ToolInvoker
	Memory ContextInjector
	Bus    Publisher
	Tracer observability.Tracer
	Logger *zap.Logger

	// MaxRounds overrides MaxToolRounds for one deployment.
	MaxRounds int
}

// Executor runs single agent turns.
type Executor struct {
	llm       CompletionClient
	tools     ToolInvoker
	memory    ContextInjector
	bus       Publisher
	tracer    observability.Tracer
	logger    *zap.Logger
	maxRounds int
}

// NewExecutor creates a turn executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = MaxToolRounds
	}
	return &Executor{
		llm:       cfg.LLM,
		tools:     cfg.Tools,
		memory:    cfg.Memory,
		bus:       cfg.Bus,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		maxRounds: cfg.MaxRounds,
	}, nil
}

// TurnRequest is one agent turn inside a pattern run.
type TurnRequest struct {
	Agent *types.AgentDefinition

	MissionID    string
	ProjectID    string
	Phase        string
	PatternRunID string
	SessionID    string
	Sprint       int

	// Technology tags the phase's platform; the tool executor uses it to
	// redirect build calls.
	Technology string

	// Conversation is the prior transcript the agent sees (windowed).
	Conversation []types.Message

	// Input is the message that opens this turn.
	Input string

	// Tools is the resolved allow-list of tool schemas for this agent.
	Tools []shuttle.Tool
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	// Output is the final assistant content. Empty when the turn
	// escalated.
	Output string

	// Messages is the transcript produced by this turn, tool results
	// paired directly after the tool calls they answer.
	Messages []types.Message

	// Rounds counts executed tool rounds.
	Rounds int

	// Annotations carries flags for the adversarial guard.
	Annotations []string

	// Escalated is set when a policy refusal halted the loop.
	Escalated bool

	Usage types.Usage
}

// Annotated reports whether the result carries the given annotation.
func (r *TurnResult) Annotated(a string) bool {
	for _, x := range r.Annotations {
		if x == a {
			return true
		}
	}
	return false
}

// RunTurn executes one agent turn: memory injection, the LLM call, and
// a bounded tool loop. Tool results always directly follow the
// tool_calls they answer; providers reject anything else.
func (e *Executor) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Agent == nil {
		return nil, fmt.Errorf("turn requires an agent definition")
	}
	ctx, span := e.tracer.StartSpan(ctx, observability.SpanAgentTurn,
		observability.WithAttribute(observability.AttrAgentID, req.Agent.ID),
		observability.WithAttribute(observability.AttrMissionID, req.MissionID))
	defer e.tracer.EndSpan(span)

	messages := e.buildMessages(ctx, req)
	result := &TurnResult{}
	caller := shuttle.Caller{
		AgentID:      req.Agent.ID,
		Role:         string(req.Agent.Role),
		MissionID:    req.MissionID,
		Platform:     req.Technology,
		AllowedTools: req.Agent.AllowedTools,
		MayDeploy:    req.Agent.Permissions.MayDeploy,
	}

	toolNames := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		toolNames[i] = t.Name()
	}
	nameMap := llm.BuildToolNameMap(toolNames)

	for {
		resp, err := e.llm.Call(ctx, llm.Request{
			Category:  req.Agent.LLMCategory,
			Messages:  messages,
			Tools:     req.Tools,
			AgentID:   req.Agent.ID,
			MissionID: req.MissionID,
			Phase:     req.Phase,
		})
		if err != nil {
			return nil, fmt.Errorf("turn llm call failed: %w", err)
		}
		result.Usage.Add(resp.Usage)

		assistant := types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			AgentID:   req.Agent.ID,
			Timestamp: time.Now().UTC(),
		}
		for _, tc := range resp.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, types.ToolCall{
				ID:    tc.ID,
				Name:  llm.ReverseToolName(nameMap, tc.Name),
				Input: tc.Input,
			})
		}
		messages = append(messages, assistant)
		result.Messages = append(result.Messages, assistant)

		if len(assistant.ToolCalls) == 0 {
			result.Output = resp.Content
			return result, nil
		}
		if result.Rounds >= e.maxRounds {
			result.Output = resp.Content
			result.Annotations = append(result.Annotations, AnnotationRoundCap)
			span.AddEvent(AnnotationRoundCap, map[string]interface{}{"rounds": result.Rounds})
			e.logger.Warn("tool round cap reached",
				zap.String("agent_id", req.Agent.ID),
				zap.String("mission_id", req.MissionID))
			return result, nil
		}
		result.Rounds++

		for _, tc := range assistant.ToolCalls {
			toolMsg, halt := e.runToolCall(ctx, req, caller, tc)
			messages = append(messages, toolMsg)
			result.Messages = append(result.Messages, toolMsg)
			if halt {
				result.Escalated = true
				result.Output = ""
				return result, nil
			}
		}
	}
}

// buildMessages assembles system prompt + injected memory + the sliding
// conversation window + the opening input.
func (e *Executor) buildMessages(ctx context.Context, req TurnRequest) []types.Message {
	system := req.Agent.SystemPrompt
	if e.memory != nil {
		fragment := e.memory.InjectContext(ctx, memory.InjectRequest{
			Agent:        req.Agent,
			ProjectID:    req.ProjectID,
			PatternRunID: req.PatternRunID,
			SessionID:    req.SessionID,
			Phase:        req.Phase,
			Sprint:       req.Sprint,
		})
		if fragment != "" {
			if system != "" {
				system += "\n\n"
			}
			system += fragment
		}
	}

	window := req.Conversation
	if len(window) > conversationWindow {
		window = window[len(window)-conversationWindow:]
	}

	messages := make([]types.Message, 0, len(window)+2)
	if system != "" {
		messages = append(messages, types.Message{Role: "system", Content: system})
	}
	messages = append(messages, window...)
	if req.Input != "" {
		messages = append(messages, types.Message{Role: "user", Content: req.Input})
	}
	return messages
}

// runToolCall executes one tool call and returns its paired tool
// message. halt is set when the result is a policy refusal that must
// escalate to a human instead of going back to the LLM.
func (e *Executor) runToolCall(ctx context.Context, req TurnRequest, caller shuttle.Caller, tc types.ToolCall) (types.Message, bool) {
	var result *shuttle.Result
	if e.tools == nil {
		result = &shuttle.Result{
			Success: false,
			Error:   shuttle.NewError(shuttle.ErrCodeUnknownTool, "no tool executor configured"),
		}
	} else {
		var err error
		result, err = e.tools.Invoke(ctx, caller, tc.Name, tc.Input)
		if err != nil {
			result = &shuttle.Result{
				Success: false,
				Error:   shuttle.NewError("execution_failed", err.Error()),
			}
		}
	}

	msg := types.Message{
		Role:       "tool",
		Content:    result.Text(),
		ToolUseID:  tc.ID,
		ToolResult: result,
		AgentID:    req.Agent.ID,
		Timestamp:  time.Now().UTC(),
	}

	if result.Error != nil && result.Error.Code == shuttle.ErrCodeApprovalRequired {
		e.escalate(ctx, req, tc, result.Error.Message)
		return msg, true
	}
	return msg, false
}

// escalate publishes a pending-approval escalation for the orchestrator.
func (e *Executor) escalate(ctx context.Context, req TurnRequest, tc types.ToolCall, reason string) {
	e.logger.Info("turn halted on policy refusal",
		zap.String("agent_id", req.Agent.ID),
		zap.String("mission_id", req.MissionID),
		zap.String("tool", tc.Name))
	if e.bus == nil {
		return
	}
	env := &bus.Envelope{
		MissionID:  req.MissionID,
		Sender:     req.Agent.ID,
		Recipients: []string{"orchestrator"},
		Type:       bus.TypeEscalate,
		Priority:   8,
		Body:       reason,
		Payload: map[string]interface{}{
			"tool":  tc.Name,
			"phase": req.Phase,
		},
	}
	if err := e.bus.Publish(ctx, env); err != nil {
		e.logger.Warn("failed to publish escalation", zap.Error(err))
	}
}
