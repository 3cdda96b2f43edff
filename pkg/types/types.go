// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared types used across the tapestry framework.
// This package breaks import cycles by providing common types that the
// agent, llm, patterns, and mission packages all depend on.
package types

import (
	"context"
	"time"

	"github.com/teradata-labs/tapestry/pkg/shuttle"
)

// ============================================================================
// LLM types
// ============================================================================

// ToolCall represents a tool invocation by the LLM.
type ToolCall struct {
	// ID is a unique identifier for this tool call
	ID string

	// Name is the tool name
	Name string

	// Input contains the tool parameters as JSON
	Input map[string]interface{}
}

// Message represents a single message in a conversation.
type Message struct {
	// ID is the unique message identifier
	ID string

	// Role is the message sender (user, assistant, tool)
	Role string

	// Content is the message text
	Content string

	// ToolCalls contains tool invocations (if role is assistant)
	ToolCalls []ToolCall

	// ToolUseID is the ID of the tool_use block this result corresponds to
	// (if role is tool). Providers reject tool results that do not directly
	// follow their tool_calls, so the executor keeps these paired.
	ToolUseID string

	// ToolResult contains tool execution result (if role is tool)
	ToolResult *shuttle.Result

	// AgentID identifies which agent created this message
	AgentID string

	// Timestamp when the message was created
	Timestamp time.Time

	// TokenCount for cost tracking
	TokenCount int
}

// Usage tracks LLM token usage. Cost is carried in integer micro-USD so
// accounting never touches floating point.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostMicroUSD int64
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CostMicroUSD += other.CostMicroUSD
}

// LLMResponse represents a response from the LLM.
type LLMResponse struct {
	// Content is the text response (if no tool calls)
	Content string

	// ToolCalls contains requested tool executions
	ToolCalls []ToolCall

	// StopReason indicates why the LLM stopped
	StopReason string

	// Usage tracks token usage
	Usage Usage

	// Metadata contains provider-specific metadata
	Metadata map[string]interface{}
}

// LLMProvider defines the interface for LLM providers.
// This allows pluggable LLM backends (Anthropic, Bedrock, OpenAI, Ollama).
type LLMProvider interface {
	// Chat sends a conversation to the LLM and returns the response
	Chat(ctx context.Context, messages []Message, tools []shuttle.Tool) (*LLMResponse, error)

	// Name returns the provider name
	Name() string

	// Model returns the model identifier
	Model() string
}

// ModelCategory selects a weight/purpose class of models for an agent.
type ModelCategory string

const (
	ModelHeavyReasoning  ModelCategory = "heavy_reasoning"
	ModelLightReasoning  ModelCategory = "light_reasoning"
	ModelHeavyProduction ModelCategory = "heavy_production"
	ModelLightProduction ModelCategory = "light_production"
	ModelRedaction       ModelCategory = "redaction"
	ModelCategoryDefault ModelCategory = ""
)

// ============================================================================
// Agent definitions
// ============================================================================

// Role classifies an agent's function inside a mission.
type Role string

const (
	RoleDeveloper    Role = "developer"
	RoleQA           Role = "qa"
	RoleSecurity     Role = "security"
	RoleProduct      Role = "product"
	RoleArchitecture Role = "architecture"
	RoleDevOps       Role = "devops"
	RoleOrchestrator Role = "orchestrator"
	RoleAdversarial  Role = "adversarial"
	RoleOther        Role = "other"
)

// VetoLevel grades how much weight an agent's veto carries.
type VetoLevel string

const (
	VetoNone     VetoLevel = "none"
	VetoAdvisory VetoLevel = "advisory"
	VetoStrong   VetoLevel = "strong"
	VetoAbsolute VetoLevel = "absolute"
)

// Permissions captures what an agent may do.
type Permissions struct {
	Veto                     VetoLevel `yaml:"veto" json:"veto"`
	MayDelegate              bool      `yaml:"may_delegate" json:"may_delegate"`
	MayWriteMemory           bool      `yaml:"may_write_memory" json:"may_write_memory"`
	MayDeploy                bool      `yaml:"may_deploy" json:"may_deploy"`
	RequiresHumanApprovalFor []string  `yaml:"requires_human_approval_for,omitempty" json:"requires_human_approval_for,omitempty"`
}

// AgentDefinition declares a reusable agent: who it is, what it runs on,
// and what it may touch. Definitions are loaded from template files and
// resolved at runtime by stable id, never by inheritance.
type AgentDefinition struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	Role         Role          `yaml:"role" json:"role"`
	LLMCategory  ModelCategory `yaml:"llm_category" json:"llm_category"`
	Permissions  Permissions   `yaml:"permissions" json:"permissions"`
	AllowedTools []string      `yaml:"allowed_tools" json:"allowed_tools"`
	SystemPrompt string        `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// ============================================================================
// Patterns
// ============================================================================

// PatternType tags a collaboration topology.
type PatternType string

const (
	PatternSolo               PatternType = "solo"
	PatternSequential         PatternType = "sequential"
	PatternParallel           PatternType = "parallel"
	PatternHierarchical       PatternType = "hierarchical"
	PatternNetwork            PatternType = "network"
	PatternLoop               PatternType = "loop"
	PatternRouter             PatternType = "router"
	PatternAggregator         PatternType = "aggregator"
	PatternHumanInTheLoop     PatternType = "human_in_the_loop"
	PatternDebate             PatternType = "debate"
	PatternAdversarialPair    PatternType = "adversarial_pair"
	PatternAdversarialCascade PatternType = "adversarial_cascade"
	PatternWave               PatternType = "wave"
)

// ExecutionFlavored reports whether a pattern type produces artifacts that
// warrant semantic (L1) adversarial review. Discussion patterns are skipped
// to save cost.
func (p PatternType) ExecutionFlavored() bool {
	switch p {
	case PatternSequential, PatternParallel, PatternHierarchical, PatternLoop,
		PatternAdversarialPair, PatternAdversarialCascade, PatternWave, PatternSolo:
		return true
	default:
		return false
	}
}

// EdgeKind is the semantic tag on a directed edge between participants.
type EdgeKind string

const (
	EdgeDelegate  EdgeKind = "delegate"
	EdgeInform    EdgeKind = "inform"
	EdgeReview    EdgeKind = "review"
	EdgeVeto      EdgeKind = "veto"
	EdgeNegotiate EdgeKind = "negotiate"
	EdgeEscalate  EdgeKind = "escalate"
	EdgeAggregate EdgeKind = "aggregate"
)

// Participant references either a concrete agent id or a role descriptor
// that Darwin resolves to a concrete agent at phase start.
type Participant struct {
	AgentID string `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	Role    Role   `yaml:"role,omitempty" json:"role,omitempty"`
}

// Resolved reports whether the participant is already bound to an agent.
func (p Participant) Resolved() bool { return p.AgentID != "" }

// Edge is a directed, semantically tagged connection between participants,
// addressed by participant index.
type Edge struct {
	From int      `yaml:"from" json:"from"`
	To   int      `yaml:"to" json:"to"`
	Kind EdgeKind `yaml:"kind" json:"kind"`
}

// PatternConfig tunes a pattern run.
type PatternConfig struct {
	MaxIterations int           `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Convergence   string        `yaml:"convergence,omitempty" json:"convergence,omitempty"`
	WIPLimit      int           `yaml:"wip_limit,omitempty" json:"wip_limit,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MemoryPolicy  string        `yaml:"memory_policy,omitempty" json:"memory_policy,omitempty"`
}

// PatternDefinition declares a collaboration topology over a participant set.
type PatternDefinition struct {
	ID           string        `yaml:"id" json:"id"`
	Type         PatternType   `yaml:"type" json:"type"`
	Participants []Participant `yaml:"participants" json:"participants"`
	Edges        []Edge        `yaml:"edges,omitempty" json:"edges,omitempty"`
	Config       PatternConfig `yaml:"config,omitempty" json:"config,omitempty"`
}

// NodeStatus is the per-agent terminal tag within a pattern run.
// There is deliberately no "done" value.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeVetoed    NodeStatus = "vetoed"
	NodeFailed    NodeStatus = "failed"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeVetoed || s == NodeFailed
}

// ============================================================================
// Workflow and missions
// ============================================================================

// GateType is the predicate evaluated at a phase boundary.
type GateType string

const (
	GateAllApproved GateType = "all_approved"
	GateNoVeto      GateType = "no_veto"
	GateAlways      GateType = "always"
	GateCheckpoint  GateType = "checkpoint"
)

// FailurePolicy decides what happens when a phase gate fails.
type FailurePolicy string

const (
	FailRetry       FailurePolicy = "retry"
	FailSkip        FailurePolicy = "skip"
	FailAbort       FailurePolicy = "abort"
	FailHumanDecide FailurePolicy = "human_decide"
)

// PhaseSpec is one node of a workflow template.
type PhaseSpec struct {
	Name       string        `yaml:"name" json:"name"`
	PatternID  string        `yaml:"pattern" json:"pattern"`
	Gate       GateType      `yaml:"gate" json:"gate"`
	MaxSprints int           `yaml:"max_sprints,omitempty" json:"max_sprints,omitempty"`
	OnFailure  FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	Dev        bool          `yaml:"dev,omitempty" json:"dev,omitempty"`
	Technology string        `yaml:"technology,omitempty" json:"technology,omitempty"`
}

// WorkflowTemplate is an ordered list of phase specs.
type WorkflowTemplate struct {
	ID     string      `yaml:"id" json:"id"`
	Name   string      `yaml:"name" json:"name"`
	Phases []PhaseSpec `yaml:"phases" json:"phases"`
}

// Project is created by the external caller and never mutated by the core.
type Project struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	WorkingTree string `yaml:"working_tree" json:"working_tree"`
	Vision      string `yaml:"vision,omitempty" json:"vision,omitempty"`
	Values      string `yaml:"values,omitempty" json:"values,omitempty"`
	Conventions string `yaml:"conventions,omitempty" json:"conventions,omitempty"`
}

// WSJF carries the weighted-shortest-job-first prioritization inputs.
type WSJF struct {
	BusinessValue   int `json:"business_value"`
	TimeCriticality int `json:"time_criticality"`
	RiskReduction   int `json:"risk_reduction"`
	JobDuration     int `json:"job_duration"`
}

// Score computes (BV + TC + RR) / duration; larger is earlier.
func (w WSJF) Score() float64 {
	d := w.JobDuration
	if d <= 0 {
		d = 1
	}
	return float64(w.BusinessValue+w.TimeCriticality+w.RiskReduction) / float64(d)
}

// MissionStatus is the mission lifecycle vocabulary. This is the superset;
// external surfaces may project it coarser.
type MissionStatus string

const (
	MissionQueued         MissionStatus = "queued"
	MissionRunning        MissionStatus = "running"
	MissionPaused         MissionStatus = "paused"
	MissionDone           MissionStatus = "done"
	MissionDoneWithIssues MissionStatus = "done_with_issues"
	MissionFailed         MissionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s MissionStatus) Terminal() bool {
	return s == MissionDone || s == MissionDoneWithIssues || s == MissionFailed
}

// MissionRun is one admitted execution of a workflow template.
// The workflow is pinned at creation; later template edits never alter
// an in-flight run.
type MissionRun struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	WorkflowID string        `json:"workflow_id"`
	WSJF       WSJF          `json:"wsjf"`
	Status     MissionStatus `json:"status"`

	// PhaseIndex and Sprint form the resume cursor.
	PhaseIndex int `json:"phase_index"`
	Sprint     int `json:"sprint"`

	// Issues collects per-phase annotations for done_with_issues.
	Issues []string `json:"issues,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// SprintStatus is the sprint lifecycle vocabulary.
type SprintStatus string

const (
	SprintPlanning  SprintStatus = "planning"
	SprintActive    SprintStatus = "active"
	SprintReview    SprintStatus = "review"
	SprintCompleted SprintStatus = "completed"
	SprintFailed    SprintStatus = "failed"
)

// Sprint is an iteration inside one phase of one mission.
type Sprint struct {
	ID         string       `json:"id"`
	MissionID  string       `json:"mission_id"`
	PhaseIndex int          `json:"phase_index"`
	Number     int          `json:"number"`
	Status     SprintStatus `json:"status"`
	Points     int          `json:"points"`
	Velocity   int          `json:"velocity"`
	Retro      string       `json:"retro,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
