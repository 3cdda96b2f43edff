// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package observability provides tracing and metrics for the orchestration core.
//
// Every operation is instrumented: LLM calls, tool executions, pattern runs,
// Darwin selections, and full mission flows. Spans are exported to a pluggable
// backend for analysis, debugging, and cost attribution.
package observability

import (
	"time"
)

// StatusCode represents the final status of a span.
type StatusCode int

const (
	// StatusUnset indicates status was not explicitly set.
	StatusUnset StatusCode = iota
	// StatusOK indicates successful completion.
	StatusOK
	// StatusError indicates an error occurred.
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusUnset:
		return "unset"
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Status represents the final status of a span with optional message.
type Status struct {
	Code    StatusCode
	Message string
}

// Event represents a point-in-time occurrence within a span.
type Event struct {
	Timestamp  time.Time
	Name       string
	Attributes map[string]interface{}
}

// Span represents a unit of work with timing and metadata.
// Spans form a tree structure via ParentID references.
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string

	Name       string
	Attributes map[string]interface{}

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Events []Event
	Status Status
}

// SetAttribute sets a key-value attribute on the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]interface{})
	}
	s.Attributes[key] = value
}

// AddEvent adds a timestamped event to the span.
func (s *Span) AddEvent(name string, attrs map[string]interface{}) {
	s.Events = append(s.Events, Event{
		Timestamp:  time.Now(),
		Name:       name,
		Attributes: attrs,
	})
}

// RecordError records an error on the span.
// Sets status to StatusError and adds error attributes.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.Status = Status{
		Code:    StatusError,
		Message: err.Error(),
	}
	s.SetAttribute(AttrErrorMessage, err.Error())
}

// SpanOption is a functional option for configuring spans.
type SpanOption func(*Span)

// WithAttribute returns a SpanOption that sets an attribute.
func WithAttribute(key string, value interface{}) SpanOption {
	return func(s *Span) {
		s.SetAttribute(key, value)
	}
}

// WithSpanKind returns a SpanOption that sets the span.kind attribute.
// Common values: "mission", "phase", "pattern", "turn", "llm", "tool", "guard"
func WithSpanKind(kind string) SpanOption {
	return func(s *Span) {
		s.SetAttribute("span.kind", kind)
	}
}

// Well-known span names.
const (
	SpanMissionRun       = "mission.run"
	SpanPhaseRun         = "mission.phase"
	SpanPatternExecution = "pattern.execute"
	SpanAgentTurn        = "agent.turn"
	SpanLLMCompletion    = "llm.completion"
	SpanToolExecution    = "tool.execute"
	SpanAdversarialL0    = "adversarial.l0"
	SpanAdversarialL1    = "adversarial.l1"
	SpanDarwinSelect     = "darwin.select"
	SpanMemorySearch     = "memory.search"
)

// Well-known attribute keys.
const (
	AttrMissionID    = "mission.id"
	AttrPhaseName    = "phase.name"
	AttrSprint       = "phase.sprint"
	AttrPatternType  = "pattern.type"
	AttrAgentID      = "agent.id"
	AttrToolName     = "tool.name"
	AttrProvider     = "llm.provider"
	AttrModel        = "llm.model"
	AttrErrorMessage = "error.message"
)

// Well-known metric names.
const (
	MetricLLMCalls       = "llm.calls"
	MetricLLMTokensIn    = "llm.tokens.input"
	MetricLLMTokensOut   = "llm.tokens.output"
	MetricToolExecutions = "tool.executions"
	MetricVetoes         = "adversarial.vetoes"
	MetricMissions       = "missions.total"
)
