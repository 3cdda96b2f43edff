// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package llmtest provides a scripted in-memory provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/types"
)

// Step is one scripted turn: a canned response or a canned error.
type Step struct {
	Response *types.LLMResponse
	Err      error
}

// Fake is a scripted LLM provider. Each Chat call consumes the next
// step; when the script runs out the last step repeats. A Handler, if
// set, takes precedence over the script.
type Fake struct {
	ProviderName string
	ModelID      string

	// Handler computes a response from the conversation. Optional.
	Handler func(ctx context.Context, messages []types.Message, tools []shuttle.Tool) (*types.LLMResponse, error)

	mu    sync.Mutex
	steps []Step
	calls []Call
	next  int
}

// Call records one Chat invocation.
type Call struct {
	Messages []types.Message
	Tools    []shuttle.Tool
}

// New creates a fake provider with the given script.
func New(steps ...Step) *Fake {
	return &Fake{
		ProviderName: "fake",
		ModelID:      "fake-model",
		steps:        steps,
	}
}

// Text is a convenience step: a plain end_turn response.
func Text(content string) Step {
	return Step{Response: &types.LLMResponse{
		Content:    content,
		StopReason: "end_turn",
		Usage:      types.Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20},
	}}
}

// ToolUse is a convenience step: a single tool call.
func ToolUse(id, name string, input map[string]interface{}) Step {
	return Step{Response: &types.LLMResponse{
		StopReason: "tool_use",
		ToolCalls:  []types.ToolCall{{ID: id, Name: name, Input: input}},
		Usage:      types.Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20},
	}}
}

// Fail is a convenience step: a canned error.
func Fail(err error) Step { return Step{Err: err} }

// Name returns the provider name.
func (f *Fake) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

// Model returns the model identifier.
func (f *Fake) Model() string {
	if f.ModelID == "" {
		return "fake-model"
	}
	return f.ModelID
}

// Chat consumes the next scripted step.
func (f *Fake) Chat(ctx context.Context, messages []types.Message, tools []shuttle.Tool) (*types.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Messages: messages, Tools: tools})
	if f.Handler != nil {
		h := f.Handler
		f.mu.Unlock()
		return h(ctx, messages, tools)
	}
	if len(f.steps) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake provider has no scripted steps")
	}
	idx := f.next
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.next++
	step := f.steps[idx]
	f.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	// Copy so callers mutating the response do not corrupt the script.
	resp := *step.Response
	return &resp, nil
}

// CallCount returns how many times Chat was invoked.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// LastMessages returns the conversation from the most recent call, or
// nil when Chat has not been invoked.
func (f *Fake) LastMessages() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1].Messages
}

var _ types.LLMProvider = (*Fake)(nil)
