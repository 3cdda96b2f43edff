// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/llm/llmtest"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap/zaptest"
)

type memSink struct {
	mu     sync.Mutex
	traces []*storage.LLMTrace
}

func (s *memSink) RecordLLMTrace(_ context.Context, tr *storage.LLMTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, tr)
	return nil
}

func newTestClient(t *testing.T, chain ...types.LLMProvider) (*Client, *memSink) {
	t.Helper()
	sink := &memSink{}
	c, err := NewClient(Config{
		Default:   chain,
		TraceSink: sink,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c, sink
}

func TestClientRequiresProviders(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestClientFallsBackOnTransientError(t *testing.T) {
	p1 := llmtest.New(llmtest.Fail(errors.New("dial tcp: connection refused")))
	p1.ProviderName = "primary"
	p2 := llmtest.New(llmtest.Text("hello from secondary"))
	p2.ProviderName = "secondary"

	c, _ := newTestClient(t, p1, p2)
	resp, err := c.Call(context.Background(), Request{Messages: []types.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello from secondary", resp.Content)
	assert.Equal(t, "secondary", resp.Metadata["provider"])
	assert.Equal(t, 1, p1.CallCount())
	assert.Equal(t, 1, p2.CallCount())
}

func TestClientNonRetriableFailsImmediately(t *testing.T) {
	p1 := llmtest.New(llmtest.Fail(errors.New("API error (status 401): invalid api key")))
	p1.ProviderName = "primary"
	p2 := llmtest.New(llmtest.Text("should never be reached"))
	p2.ProviderName = "secondary"

	c, _ := newTestClient(t, p1, p2)
	_, err := c.Call(context.Background(), Request{Messages: []types.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 0, p2.CallCount(), "auth failures must not cascade to the next provider")
}

func TestClientCooldownAfterThrottle(t *testing.T) {
	p1 := llmtest.New(
		llmtest.Fail(errors.New("API error (status 429): rate limited")),
		llmtest.Text("primary recovered"),
	)
	p1.ProviderName = "primary"
	p2 := llmtest.New(llmtest.Text("secondary answer"))
	p2.ProviderName = "secondary"

	c, _ := newTestClient(t, p1, p2)
	base := time.Now()
	c.now = func() time.Time { return base }

	req := Request{Messages: []types.Message{{Role: "user", Content: "hi"}}}

	// First call: primary throttles, secondary answers.
	resp, err := c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "secondary answer", resp.Content)
	assert.Equal(t, 1, p1.CallCount())

	// Within the cooldown the primary is skipped entirely.
	resp, err = c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "secondary answer", resp.Content)
	assert.Equal(t, 1, p1.CallCount())

	// After the cooldown the primary is tried again.
	c.now = func() time.Time { return base.Add(91 * time.Second) }
	resp, err = c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "primary recovered", resp.Content)
	assert.Equal(t, 2, p1.CallCount())
}

func TestClientAllProvidersExhausted(t *testing.T) {
	p1 := llmtest.New(llmtest.Fail(errors.New("read tcp: connection reset by peer")))
	p2 := llmtest.New(llmtest.Fail(errors.New("API error (status 529): overloaded")))
	p2.ProviderName = "secondary"

	c, _ := newTestClient(t, p1, p2)
	_, err := c.Call(context.Background(), Request{Messages: []types.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestClientCategoryChains(t *testing.T) {
	heavy := llmtest.New(llmtest.Text("heavy"))
	heavy.ProviderName = "heavy"
	light := llmtest.New(llmtest.Text("light"))
	light.ProviderName = "light"

	sink := &memSink{}
	c, err := NewClient(Config{
		Chains: map[types.ModelCategory][]types.LLMProvider{
			types.ModelHeavyReasoning: {heavy},
		},
		Default:   []types.LLMProvider{light},
		TraceSink: sink,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	req := Request{Category: types.ModelHeavyReasoning, Messages: []types.Message{{Role: "user", Content: "hi"}}}
	resp, err := c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "heavy", resp.Content)

	req.Category = types.ModelRedaction // no chain configured
	resp, err = c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "light", resp.Content)
}

func TestClientEstimatesUsageAndRecordsTrace(t *testing.T) {
	p := llmtest.New(llmtest.Step{Response: &types.LLMResponse{
		Content:    "four words of text",
		StopReason: "end_turn",
	}})
	p.ModelID = "claude-sonnet-4-5"

	c, sink := newTestClient(t, p)
	resp, err := c.Call(context.Background(), Request{
		MissionID: "m-1",
		AgentID:   "agent-1",
		Phase:     "design",
		Messages:  []types.Message{{Role: "user", Content: "please answer in four words"}},
	})
	require.NoError(t, err)

	assert.Greater(t, resp.Usage.InputTokens, 0, "usage is estimated when the provider reports none")
	assert.Greater(t, resp.Usage.OutputTokens, 0)
	assert.Greater(t, resp.Usage.CostMicroUSD, int64(0))

	require.Len(t, sink.traces, 1)
	tr := sink.traces[0]
	assert.Equal(t, "m-1", tr.MissionID)
	assert.Equal(t, "agent-1", tr.AgentID)
	assert.Equal(t, "claude-sonnet-4-5", tr.Model)
	assert.Len(t, tr.PromptHash, 32)
}

func TestPromptHashStability(t *testing.T) {
	msgs := []types.Message{{Role: "user", Content: "hello"}}
	assert.Equal(t, PromptHash(msgs), PromptHash(msgs))
	assert.NotEqual(t, PromptHash(msgs), PromptHash([]types.Message{{Role: "user", Content: "hello!"}}))
	// Role and content are domain-separated.
	a := []types.Message{{Role: "user", Content: "xy"}}
	b := []types.Message{{Role: "userx", Content: "y"}}
	assert.NotEqual(t, PromptHash(a), PromptHash(b))
}

func TestCostMicroUSDPrefixMatch(t *testing.T) {
	// Longest prefix wins: gpt-4o-mini is not priced as gpt-4o.
	mini := CostMicroUSD("gpt-4o-mini", 1_000_000, 0)
	full := CostMicroUSD("gpt-4o", 1_000_000, 0)
	assert.Equal(t, int64(150_000), mini)
	assert.Equal(t, int64(2_500_000), full)

	assert.Equal(t, int64(0), CostMicroUSD("unknown-model", 1_000_000, 1_000_000))
	sonnet := CostMicroUSD("claude-sonnet-4-5", 1000, 1000)
	assert.Equal(t, int64(3000+15000), sonnet)
}
