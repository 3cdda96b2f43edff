// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package llm provides the multi-provider LLM client: per-provider rate
// limiting, a fallback chain per model category, 429 cooldowns, and a
// trace record for every completed call.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// TraceSink persists per-call traces. Implemented by pkg/storage.
type TraceSink interface {
	RecordLLMTrace(ctx context.Context, tr *storage.LLMTrace) error
}

// Request is one completion request with caller context for
// observability and fitness accounting.
type Request struct {
	Category types.ModelCategory
	Messages []types.Message
	Tools    []shuttle.Tool

	AgentID   string
	MissionID string
	Phase     string
}

// Config configures the client.
type Config struct {
	// Chains maps a model category to its fallback chain, primary first.
	Chains map[types.ModelCategory][]types.LLMProvider

	// Default is used when a category has no chain.
	Default []types.LLMProvider

	// CooldownDuration is how long a 429-ing provider is skipped.
	// Default: 90 s.
	CooldownDuration time.Duration

	// ReadTimeout bounds a single provider call. Default: 300 s.
	ReadTimeout time.Duration

	RateLimiter RateLimiterConfig
	TraceSink   TraceSink
	Tracer      observability.Tracer
	Logger      *zap.Logger
}

// Client is the single entry point for LLM completions.
type Client struct {
	chains       map[types.ModelCategory][]types.LLMProvider
	defaultChain []types.LLMProvider
	limiterCfg   RateLimiterConfig
	cooldownFor  time.Duration
	readTimeout  time.Duration

	counter *TokenCounter
	sink    TraceSink
	tracer  observability.Tracer
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*RateLimiter
	cooldown map[string]time.Time

	now func() time.Time
}

// NewClient creates an LLM client.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Chains) == 0 && len(cfg.Default) == 0 {
		return nil, fmt.Errorf("at least one provider chain is required")
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = 90 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 300 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		chains:       cfg.Chains,
		defaultChain: cfg.Default,
		limiterCfg:   cfg.RateLimiter,
		cooldownFor:  cfg.CooldownDuration,
		readTimeout:  cfg.ReadTimeout,
		counter:      NewTokenCounter(),
		sink:         cfg.TraceSink,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger,
		limiters:     make(map[string]*RateLimiter),
		cooldown:     make(map[string]time.Time),
		now:          time.Now,
	}, nil
}

// Call walks the category's fallback chain until a provider answers.
// A 429 puts the provider in cooldown and moves on; transient failures
// move on; non-retriable errors fail immediately.
func (c *Client) Call(ctx context.Context, req Request) (*types.LLMResponse, error) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanLLMCompletion,
		observability.WithAttribute(observability.AttrAgentID, req.AgentID),
		observability.WithAttribute(observability.AttrMissionID, req.MissionID))
	defer c.tracer.EndSpan(span)

	chain := c.chains[req.Category]
	if len(chain) == 0 {
		chain = c.defaultChain
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no providers configured for category %q", req.Category)
	}

	estimated := int64(c.counter.CountMessages(req.Messages))
	var lastErr error

	for _, provider := range chain {
		name := provider.Name()
		if until, cooling := c.coolingDown(name); cooling {
			c.logger.Debug("skipping provider in cooldown",
				zap.String("provider", name),
				zap.Time("until", until))
			continue
		}

		if err := c.limiterFor(name).Acquire(ctx, estimated); err != nil {
			lastErr = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
		start := c.now()
		resp, err := provider.Chat(callCtx, req.Messages, req.Tools)
		cancel()
		latency := c.now().Sub(start)

		if err != nil {
			lastErr = fmt.Errorf("provider %s: %w", name, err)
			if IsThrottlingError(err) {
				c.startCooldown(name)
				span.AddEvent("provider_cooldown", map[string]interface{}{"provider": name})
				c.tracer.RecordMetric(observability.MetricLLMCalls, 1,
					map[string]string{observability.AttrProvider: name, "outcome": "throttled"})
				continue
			}
			if IsTransient(err) {
				c.logger.Warn("provider failed, trying next",
					zap.String("provider", name),
					zap.Error(err))
				continue
			}
			span.RecordError(err)
			return nil, lastErr
		}

		c.finishCall(ctx, req, provider, resp, estimated, latency)
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
	}
	return nil, ErrAllProvidersFailed
}

func (c *Client) finishCall(ctx context.Context, req Request, provider types.LLMProvider, resp *types.LLMResponse, estimated int64, latency time.Duration) {
	if resp.Usage.InputTokens == 0 && resp.Usage.OutputTokens == 0 {
		// Provider gave no usage; estimate so Darwin always has counts.
		resp.Usage.InputTokens = int(estimated)
		resp.Usage.OutputTokens = c.counter.Count(resp.Content)
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	if resp.Usage.CostMicroUSD == 0 {
		resp.Usage.CostMicroUSD = CostMicroUSD(provider.Model(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]interface{})
	}
	resp.Metadata["provider"] = provider.Name()
	resp.Metadata["model"] = provider.Model()

	c.limiterFor(provider.Name()).RecordTokenUsage(int64(resp.Usage.TotalTokens))

	c.tracer.RecordMetric(observability.MetricLLMCalls, 1,
		map[string]string{observability.AttrProvider: provider.Name(), observability.AttrModel: provider.Model()})
	c.tracer.RecordMetric(observability.MetricLLMTokensIn, float64(resp.Usage.InputTokens), nil)
	c.tracer.RecordMetric(observability.MetricLLMTokensOut, float64(resp.Usage.OutputTokens), nil)

	if c.sink != nil {
		tr := &storage.LLMTrace{
			MissionID:    req.MissionID,
			AgentID:      req.AgentID,
			Phase:        req.Phase,
			Provider:     provider.Name(),
			Model:        provider.Model(),
			InputTokens:  int64(resp.Usage.InputTokens),
			OutputTokens: int64(resp.Usage.OutputTokens),
			CostMicroUSD: resp.Usage.CostMicroUSD,
			LatencyMs:    latency.Milliseconds(),
			PromptHash:   PromptHash(req.Messages),
		}
		if err := c.sink.RecordLLMTrace(ctx, tr); err != nil {
			c.logger.Warn("failed to persist llm trace", zap.Error(err))
		}
	}
}

func (c *Client) limiterFor(provider string) *RateLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	rl, ok := c.limiters[provider]
	if !ok {
		rl = NewRateLimiter(c.limiterCfg)
		c.limiters[provider] = rl
	}
	return rl
}

func (c *Client) coolingDown(provider string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldown[provider]
	if !ok || c.now().After(until) {
		return time.Time{}, false
	}
	return until, true
}

func (c *Client) startCooldown(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldown[provider] = c.now().Add(c.cooldownFor)
	c.logger.Warn("provider throttled, entering cooldown",
		zap.String("provider", provider),
		zap.Duration("cooldown", c.cooldownFor))
}

// PromptHash computes a stable hash of the conversation for trace
// deduplication.
func PromptHash(messages []types.Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
