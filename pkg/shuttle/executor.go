// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package shuttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Caller identifies the agent invoking a tool, with the permissions the
// executor enforces. The allow-list is derived from the agent's role.
type Caller struct {
	AgentID      string
	Role         string
	MissionID    string
	Platform     string
	AllowedTools []string
	MayDeploy    bool
}

// allowed reports whether the caller's allow-list contains the tool.
func (c Caller) allowed(name string) bool {
	for _, t := range c.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// ApprovalChecker answers whether a mission carries an explicit human
// approval for an action tag. Deploy-class tools require one.
type ApprovalChecker interface {
	HasApproval(ctx context.Context, missionID, action string) (bool, error)
}

// CallRecord is the journaled trace of one tool invocation.
type CallRecord struct {
	ID             string
	AgentID        string
	MissionID      string
	Tool           string
	Arguments      json.RawMessage
	Success        bool
	ErrorCode      string
	ResultText     string
	DurationMs     int64
	IdempotencyKey string
	CreatedAt      time.Time
}

// CallRecorder persists tool call records. Implemented by pkg/storage.
type CallRecorder interface {
	RecordToolCall(ctx context.Context, rec *CallRecord) error
}

// ExecutorConfig configures the tool executor.
type ExecutorConfig struct {
	Registry  *Registry
	Approvals ApprovalChecker
	Recorder  CallRecorder
	Tracer    observability.Tracer
	Logger    *zap.Logger

	// DefaultTimeout bounds tool execution when the tool doesn't declare one.
	DefaultTimeout time.Duration

	// PlatformBuilders redirects the generic "build" tool to the
	// platform-appropriate builder, keyed by technology tag.
	PlatformBuilders map[string]string
}

// Executor dispatches named tool calls with role allow-lists, schema
// validation, idempotency coalescing, and per-tool timeouts.
type Executor struct {
	registry  *Registry
	approvals ApprovalChecker
	recorder  CallRecorder
	tracer    observability.Tracer
	logger    *zap.Logger

	defaultTimeout time.Duration
	builders       map[string]string

	mu       sync.Mutex
	inflight map[string]*inflightCall
	cache    map[string]*Result
}

type inflightCall struct {
	done   chan struct{}
	result *Result
	err    error
}

// NewExecutor creates a tool executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	return &Executor{
		registry:       cfg.Registry,
		approvals:      cfg.Approvals,
		recorder:       cfg.Recorder,
		tracer:         cfg.Tracer,
		logger:         cfg.Logger,
		defaultTimeout: cfg.DefaultTimeout,
		builders:       cfg.PlatformBuilders,
		inflight:       make(map[string]*inflightCall),
		cache:          make(map[string]*Result),
	}, nil
}

// Invoke validates, authorizes, and runs a named tool call for the caller.
// Policy failures (forbidden, stack_mismatch, approval_required) come back as
// unsuccessful Results with structured errors rather than Go errors, so the
// agent loop can surface them to the LLM and the adversarial guard.
func (e *Executor) Invoke(ctx context.Context, caller Caller, toolName string, args map[string]interface{}) (*Result, error) {
	ctx, span := e.tracer.StartSpan(ctx, observability.SpanToolExecution,
		observability.WithSpanKind("tool"),
		observability.WithAttribute(observability.AttrToolName, toolName),
		observability.WithAttribute(observability.AttrAgentID, caller.AgentID),
	)
	defer e.tracer.EndSpan(span)

	start := time.Now()

	toolName = e.redirectBuild(caller, toolName)

	result := e.invoke(ctx, caller, toolName, args)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	if result.Error != nil {
		span.SetAttribute("tool.error_code", result.Error.Code)
	}

	e.record(ctx, caller, toolName, args, result)
	e.tracer.RecordMetric(observability.MetricToolExecutions, 1, map[string]string{
		"tool":    toolName,
		"success": fmt.Sprintf("%t", result.Success),
	})

	return result, nil
}

// redirectBuild maps a generic "build" call onto the platform builder the
// phase declares. Android builds must not shell out through the generic tool.
func (e *Executor) redirectBuild(caller Caller, toolName string) string {
	if toolName != "build" || caller.Platform == "" {
		return toolName
	}
	if specific, ok := e.builders[caller.Platform]; ok {
		return specific
	}
	return toolName
}

func (e *Executor) invoke(ctx context.Context, caller Caller, toolName string, args map[string]interface{}) *Result {
	tool, ok := e.registry.Get(toolName)
	if !ok {
		return failed(NewError(ErrCodeUnknownTool, fmt.Sprintf("tool not registered: %s", toolName)))
	}

	if !caller.allowed(toolName) {
		return failed(NewError(ErrCodeForbidden,
			fmt.Sprintf("tool %q is not in the allow-list for role %q", toolName, caller.Role)).
			WithSuggestion("use a tool from your role's allow-list"))
	}

	if pt, ok := tool.(PlatformTool); ok && caller.Platform != "" && pt.Platform() != caller.Platform {
		return failed(NewError(ErrCodeStackMismatch,
			fmt.Sprintf("tool %q targets platform %q but the phase declares %q", toolName, pt.Platform(), caller.Platform)))
	}

	if tool.SideEffect() == SideEffectDeploy {
		if !caller.MayDeploy {
			return failed(NewError(ErrCodeForbidden, "caller lacks deploy permission"))
		}
		approved, err := e.hasApproval(ctx, caller.MissionID, "deploy")
		if err != nil {
			return failed(NewError(ErrCodeApprovalRequired, fmt.Sprintf("approval lookup failed: %v", err)).WithRetryable())
		}
		if !approved {
			return failed(NewError(ErrCodeApprovalRequired,
				"deploy-class tools require an explicit human approval record on the mission"))
		}
	}

	if verr := e.validateArgs(tool, args); verr != nil {
		return failed(verr)
	}

	key := idempotencyKey(caller.AgentID, toolName, args)

	if isIdempotent(tool) {
		if cached := e.cachedResult(key); cached != nil {
			return cached
		}
	}

	// Coalesce duplicate in-flight calls regardless of idempotency policy;
	// the second caller observes the first call's result.
	e.mu.Lock()
	if call, running := e.inflight[key]; running {
		e.mu.Unlock()
		select {
		case <-call.done:
			if call.err != nil {
				return failed(NewError(ErrCodeTimeout, call.err.Error()).WithRetryable())
			}
			dup := *call.result
			dup.CacheHit = true
			return &dup
		case <-ctx.Done():
			return failed(NewError(ErrCodeTimeout, ctx.Err().Error()))
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	e.inflight[key] = call
	e.mu.Unlock()

	result, err := e.executeWithTimeout(ctx, tool, args)

	call.result, call.err = result, err
	close(call.done)

	e.mu.Lock()
	delete(e.inflight, key)
	if err == nil && result.Success && isIdempotent(tool) {
		e.cache[key] = result
	}
	e.mu.Unlock()

	if err != nil {
		return failed(NewError(ErrCodeTimeout, err.Error()).WithRetryable())
	}
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, args map[string]interface{}) (*Result, error) {
	timeout := e.defaultTimeout
	if tt, ok := tool.(TimeoutTool); ok && tt.DefaultTimeout() > 0 {
		timeout = tt.DefaultTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := tool.Execute(ctx, args)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return nil, fmt.Errorf("tool %s returned nil result", tool.Name())
		}
		return out.result, nil
	case <-ctx.Done():
		// Late results from idempotent tools are dropped; the journal keeps
		// only the timeout.
		return nil, fmt.Errorf("tool %s timed out after %s", tool.Name(), timeout)
	}
}

func (e *Executor) validateArgs(tool Tool, args map[string]interface{}) *Error {
	schema := NormalizeSchema(tool.InputSchema())
	if schema == nil {
		return nil
	}
	schemaJSON, err := schema.ToJSON()
	if err != nil {
		return NewError(ErrCodeInvalidArguments, fmt.Sprintf("schema marshal failed: %v", err))
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	res, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return NewError(ErrCodeInvalidArguments, fmt.Sprintf("validation failed: %v", err))
	}
	if !res.Valid() {
		msg := "invalid arguments"
		if errs := res.Errors(); len(errs) > 0 {
			msg = errs[0].String()
		}
		return NewError(ErrCodeInvalidArguments, msg).
			WithSuggestion("correct the arguments to match the tool's input schema")
	}
	return nil
}

func (e *Executor) hasApproval(ctx context.Context, missionID, action string) (bool, error) {
	if e.approvals == nil {
		return false, nil
	}
	return e.approvals.HasApproval(ctx, missionID, action)
}

func (e *Executor) cachedResult(key string) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.cache[key]; ok {
		dup := *res
		dup.CacheHit = true
		return &dup
	}
	return nil
}

func (e *Executor) record(ctx context.Context, caller Caller, toolName string, args map[string]interface{}, result *Result) {
	if e.recorder == nil {
		return
	}
	argJSON, err := json.Marshal(args)
	if err != nil {
		argJSON = []byte("{}")
	}
	rec := &CallRecord{
		ID:             uuid.New().String(),
		AgentID:        caller.AgentID,
		MissionID:      caller.MissionID,
		Tool:           toolName,
		Arguments:      argJSON,
		Success:        result.Success,
		ResultText:     truncate(result.Text(), 4096),
		DurationMs:     result.ExecutionTimeMs,
		IdempotencyKey: idempotencyKey(caller.AgentID, toolName, args),
		CreatedAt:      time.Now().UTC(),
	}
	if result.Error != nil {
		rec.ErrorCode = result.Error.Code
	}
	if err := e.recorder.RecordToolCall(ctx, rec); err != nil {
		e.logger.Warn("failed to journal tool call",
			zap.String("tool", toolName),
			zap.Error(err))
	}
}

// idempotencyKey derives a stable key from (agent, tool, canonical args).
// encoding/json sorts map keys, which gives us canonical form for free.
func idempotencyKey(agentID, tool string, args map[string]interface{}) string {
	argJSON, err := json.Marshal(args)
	if err != nil {
		argJSON = []byte("{}")
	}
	h := sha256.Sum256([]byte(agentID + "|" + tool + "|" + string(argJSON)))
	return hex.EncodeToString(h[:])
}

func isIdempotent(tool Tool) bool {
	it, ok := tool.(IdempotentTool)
	return ok && it.Idempotent()
}

func failed(e *Error) *Result {
	return &Result{Success: false, Error: e}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
