// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package shuttle

import (
	"context"
	"encoding/json"
	"time"
)

// SideEffect classifies what a tool touches. Deploy-class tools require an
// explicit human approval record on the mission before they may run.
type SideEffect string

const (
	SideEffectPure       SideEffect = "pure"
	SideEffectFilesystem SideEffect = "filesystem"
	SideEffectNetwork    SideEffect = "network"
	SideEffectDeploy     SideEffect = "deploy"
)

// Tool defines the interface for executable tools (shuttles) in the framework.
// Tools are the primary mechanism for agents to act on the world. Each tool
// encapsulates a single capability.
//
// Why "shuttle"? Tools "shuttle" data and execution between the LLM and the
// working tree, like a shuttle in weaving carries thread back and forth.
type Tool interface {
	// Name returns the tool's unique identifier
	Name() string

	// Description returns a human-readable description for LLM context
	Description() string

	// InputSchema returns the JSON Schema for tool parameters
	InputSchema() *JSONSchema

	// Execute runs the tool with given parameters
	Execute(ctx context.Context, params map[string]interface{}) (*Result, error)

	// SideEffect returns the tool's side-effect class
	SideEffect() SideEffect
}

// PlatformTool is an optional interface for tools bound to one technology
// stack (e.g. the Android builder). The executor uses it to redirect generic
// build calls and to reject cross-stack invocations.
type PlatformTool interface {
	Tool

	// Platform returns the technology tag this tool serves (e.g. "android").
	Platform() string
}

// IdempotentTool is an optional interface. Tools that declare idempotency get
// duplicate-call coalescing and result caching keyed by canonical arguments.
type IdempotentTool interface {
	Tool

	Idempotent() bool
}

// TimeoutTool is an optional interface for tools that need a non-default
// execution timeout (e.g. Android builds).
type TimeoutTool interface {
	Tool

	DefaultTimeout() time.Duration
}

// Result represents the outcome of tool execution.
type Result struct {
	// Success indicates if the tool executed successfully
	Success bool

	// Data contains the result data (format varies by tool)
	Data interface{}

	// Error contains error information if execution failed
	Error *Error

	// Metadata contains tool-specific metadata
	Metadata map[string]interface{}

	// ExecutionTime in milliseconds
	ExecutionTimeMs int64

	// CacheHit indicates if this result came from the idempotency cache
	CacheHit bool
}

// Text returns the result data rendered for LLM consumption.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if r.Error != nil {
		return r.Error.Message
	}
	switch v := r.Data.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Error represents a tool execution error with structured information.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Details provides additional error context
	Details map[string]interface{}

	// Retryable indicates if the operation can be retried
	Retryable bool

	// Suggestion provides a suggestion for fixing the error
	Suggestion string
}

// Well-known error codes surfaced to agents and the adversarial guard.
const (
	ErrCodeForbidden        = "forbidden"
	ErrCodeStackMismatch    = "stack_mismatch"
	ErrCodeInvalidArguments = "invalid_arguments"
	ErrCodeTimeout          = "timeout"
	ErrCodeApprovalRequired = "approval_required"
	ErrCodeUnknownTool      = "unknown_tool"
)

// NewError creates a structured tool error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithSuggestion attaches a fix suggestion to the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithRetryable marks the error retryable.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}
