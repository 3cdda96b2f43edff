// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimiterConfig configures the per-provider request limiter.
type RateLimiterConfig struct {
	// RequestsPerMinute is the request budget per provider.
	// Default: 15.
	RequestsPerMinute float64

	// TokensPerMinute is the soft token ceiling over a sliding 60 s
	// window. Default: 100000.
	TokensPerMinute int64

	// WaitMax bounds how long an admission may wait before failing with
	// ErrRateLimited. Default: 30 s.
	WaitMax time.Duration

	// BurstCapacity is the maximum burst of requests. Default: 3.
	BurstCapacity int

	Logger *zap.Logger
}

// DefaultRateLimiterConfig returns the limiter defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 15,
		TokensPerMinute:   100000,
		WaitMax:           30 * time.Second,
		BurstCapacity:     3,
		Logger:            zap.NewNop(),
	}
}

// RateLimiter implements token-bucket request limiting plus a sliding
// token-consumption window, shared across all callers of one provider.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // requests per second
	lastRefill time.Time

	windowMu    sync.Mutex
	tokenWindow []tokenUsage
}

type tokenUsage struct {
	timestamp time.Time
	tokens    int64
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = def.TokensPerMinute
	}
	if cfg.WaitMax <= 0 {
		cfg.WaitMax = def.WaitMax
	}
	if cfg.BurstCapacity <= 0 {
		cfg.BurstCapacity = def.BurstCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RateLimiter{
		cfg:        cfg,
		tokens:     float64(cfg.BurstCapacity),
		maxTokens:  float64(cfg.BurstCapacity),
		refillRate: cfg.RequestsPerMinute / 60.0,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until the call is admitted or the wait budget runs out.
// Admission needs both a request token and headroom in the sliding token
// window for the estimated prompt size.
func (rl *RateLimiter) Acquire(ctx context.Context, estimatedTokens int64) error {
	deadline := time.Now().Add(rl.cfg.WaitMax)
	for {
		if rl.tryAcquire(estimatedTokens) {
			return nil
		}
		if time.Now().After(deadline) {
			rl.cfg.Logger.Warn("rate limit wait budget exhausted",
				zap.Int64("estimated_tokens", estimatedTokens),
				zap.Duration("wait_max", rl.cfg.WaitMax))
			return fmt.Errorf("%w: wait budget %v exhausted", ErrRateLimited, rl.cfg.WaitMax)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (rl *RateLimiter) tryAcquire(estimatedTokens int64) bool {
	if rl.TokenUsageLastMinute()+estimatedTokens > rl.cfg.TokensPerMinute {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens = minFloat(rl.maxTokens, rl.tokens+elapsed*rl.refillRate)
	rl.lastRefill = now

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// RecordTokenUsage records actual token consumption after a call.
func (rl *RateLimiter) RecordTokenUsage(tokens int64) {
	rl.windowMu.Lock()
	defer rl.windowMu.Unlock()

	now := time.Now()
	rl.tokenWindow = append(rl.tokenWindow, tokenUsage{timestamp: now, tokens: tokens})

	cutoff := now.Add(-1 * time.Minute)
	for i, usage := range rl.tokenWindow {
		if usage.timestamp.After(cutoff) {
			rl.tokenWindow = rl.tokenWindow[i:]
			break
		}
	}
}

// TokenUsageLastMinute returns token consumption in the sliding window.
func (rl *RateLimiter) TokenUsageLastMinute() int64 {
	rl.windowMu.Lock()
	defer rl.windowMu.Unlock()

	var total int64
	cutoff := time.Now().Add(-1 * time.Minute)
	for _, usage := range rl.tokenWindow {
		if usage.timestamp.After(cutoff) {
			total += usage.tokens
		}
	}
	return total
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
