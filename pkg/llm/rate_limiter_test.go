// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 1, // refills far too slowly to matter here
		BurstCapacity:     3,
		WaitMax:           200 * time.Millisecond,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Acquire(ctx, 100), "burst slot %d", i)
	}

	err := rl.Acquire(ctx, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiterTokenWindowHeadroom(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 60,
		BurstCapacity:     10,
		TokensPerMinute:   1000,
		WaitMax:           200 * time.Millisecond,
	})

	rl.RecordTokenUsage(900)
	assert.Equal(t, int64(900), rl.TokenUsageLastMinute())

	ctx := context.Background()

	// Fits in the remaining headroom.
	require.NoError(t, rl.Acquire(ctx, 50))

	// Estimated prompt would blow the window.
	err := rl.Acquire(ctx, 500)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiterContextCancelDuringWait(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 1,
		BurstCapacity:     1,
		WaitMax:           5 * time.Second,
	})

	require.NoError(t, rl.Acquire(context.Background(), 10))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := rl.Acquire(ctx, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 2*time.Second, "cancel should interrupt the wait")
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())

	rl.windowMu.Lock()
	rl.tokenWindow = []tokenUsage{
		{timestamp: time.Now().Add(-2 * time.Minute), tokens: 5000},
		{timestamp: time.Now(), tokens: 300},
	}
	rl.windowMu.Unlock()

	assert.Equal(t, int64(300), rl.TokenUsageLastMinute(), "stale samples fall out of the window")
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})
	assert.Equal(t, float64(15), rl.cfg.RequestsPerMinute)
	assert.Equal(t, int64(100000), rl.cfg.TokensPerMinute)
	assert.Equal(t, 30*time.Second, rl.cfg.WaitMax)
	assert.Equal(t, 3, rl.cfg.BurstCapacity)
}
