// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package adversarial implements the two-stage output veto cascade: a
// deterministic zero-LLM pattern catalogue (L0) and a one-call semantic
// judge (L1) for execution-flavored patterns.
package adversarial

import (
	"context"
	"strings"

	"github.com/teradata-labs/tapestry/pkg/llm"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// MaxAdversarialRetries is deliberately zero: a rejection is a gate
// signal and a fitness signal, never a retry loop.
const MaxAdversarialRetries = 0

// Decision thresholds.
const (
	softPassThreshold = 5
	rejectThreshold   = 7
)

// Decision is the guard's verdict on one turn.
type Decision string

const (
	DecisionPass     Decision = "pass"
	DecisionSoftPass Decision = "soft_pass"
	DecisionReject   Decision = "reject"
)

// FileChecker answers whether a path exists in the working tree.
// Implemented by builtin.WorkspaceTool.
type FileChecker interface {
	Exists(rel string) bool
}

// CompletionClient is the LLM surface the L1 judge needs.
type CompletionClient interface {
	Call(ctx context.Context, req llm.Request) (*types.LLMResponse, error)
}

// Turn is the unit under review.
type Turn struct {
	AgentID      string
	MissionID    string
	PatternType  types.PatternType
	PatternRunID string
	Technology   string

	// Prompt is the input the agent received; used for echo detection.
	Prompt string
	Output string

	// Annotations from the agent executor (e.g. round_cap_reached).
	Annotations []string

	// ToolRecords are this turn's tool invocations, for the
	// hallucination cross-check.
	ToolRecords []*shuttle.CallRecord
}

// hasToolRecord reports whether a successful call record matches the
// tool hint prefix.
func (t *Turn) hasToolRecord(hint string) bool {
	for _, rec := range t.ToolRecords {
		if rec != nil && rec.Success && strings.HasPrefix(rec.Tool, hint) {
			return true
		}
	}
	return false
}

// Review is the guard's full output for one turn.
type Review struct {
	Decision Decision  `json:"decision"`
	Score    int       `json:"score"`
	Findings []Finding `json:"findings,omitempty"`

	// L1 fields are set only when the semantic judge ran.
	L1Ran    bool   `json:"l1_ran"`
	L1Reason string `json:"l1_reason,omitempty"`
}

// Rejected reports whether the review is a rejection.
func (r *Review) Rejected() bool { return r.Decision == DecisionReject }

// Config configures the guard.
type Config struct {
	// LLM enables the L1 judge. Nil disables L1 entirely.
	LLM CompletionClient

	// Judge is the reviewer definition for L1; it must be memory-isolated
	// (the guard never injects memory into the judge call).
	Judge *types.AgentDefinition

	// Files backs the LIE working-tree check. Nil disables it.
	Files FileChecker

	Tracer observability.Tracer
	Logger *zap.Logger
}

// Guard runs the veto cascade.
type Guard struct {
	llm    CompletionClient
	judge  *types.AgentDefinition
	files  FileChecker
	tracer observability.Tracer
	logger *zap.Logger
}

// New creates a guard.
func New(cfg Config) *Guard {
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Guard{
		llm:    cfg.LLM,
		judge:  cfg.Judge,
		files:  cfg.Files,
		tracer: cfg.Tracer,
		logger: cfg.Logger,
	}
}

// ReviewTurn scores a turn through L0 and, for execution-flavored
// patterns with a configured judge, L1. L0 rejection short-circuits L1.
func (g *Guard) ReviewTurn(ctx context.Context, turn *Turn) *Review {
	ctx, span := g.tracer.StartSpan(ctx, observability.SpanAdversarialL0,
		observability.WithAttribute(observability.AttrAgentID, turn.AgentID),
		observability.WithAttribute(observability.AttrMissionID, turn.MissionID))

	findings := g.l0Scan(turn)
	review := decide(findings)
	g.tracer.EndSpan(span)

	if review.Rejected() {
		g.tracer.RecordMetric(observability.MetricVetoes, 1,
			map[string]string{"stage": "l0", observability.AttrAgentID: turn.AgentID})
		g.logger.Info("turn rejected by deterministic guard",
			zap.String("agent_id", turn.AgentID),
			zap.Int("score", review.Score),
			zap.Int("findings", len(review.Findings)))
		return review
	}

	if g.llm != nil && turn.PatternType.ExecutionFlavored() {
		g.runL1(ctx, turn, review)
	}
	return review
}

// decide applies the scoring thresholds and always-reject families.
func decide(findings []Finding) *Review {
	review := &Review{Findings: findings}

	slopHits := 0
	alwaysReject := false
	for _, f := range findings {
		review.Score += f.Score
		switch f.Family {
		case FamilyHallucination, FamilyStackMismatch, FamilyFakeBuild:
			alwaysReject = true
		case FamilySlop:
			slopHits++
		}
	}
	if slopHits >= slopScaleThreshold {
		alwaysReject = true
	}

	switch {
	case alwaysReject || review.Score >= rejectThreshold:
		review.Decision = DecisionReject
	case review.Score >= softPassThreshold:
		review.Decision = DecisionSoftPass
	default:
		review.Decision = DecisionPass
	}
	return review
}
