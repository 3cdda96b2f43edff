// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package shuttle

import (
	"context"
	"sync/atomic"
	"time"
)

// MockTool is a configurable tool for tests.
type MockTool struct {
	MockName        string
	MockDescription string
	MockSchema      *JSONSchema
	MockSideEffect  SideEffect
	MockPlatform    string
	MockIdempotent  bool
	MockTimeout     time.Duration
	MockDelay       time.Duration

	// ExecuteFunc overrides the default behavior when set.
	ExecuteFunc func(ctx context.Context, params map[string]interface{}) (*Result, error)

	calls atomic.Int64
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.MockName }

// Description implements Tool.
func (m *MockTool) Description() string {
	if m.MockDescription == "" {
		return "mock tool"
	}
	return m.MockDescription
}

// InputSchema implements Tool.
func (m *MockTool) InputSchema() *JSONSchema {
	if m.MockSchema == nil {
		return NewObjectSchema("mock params", map[string]*JSONSchema{}, nil)
	}
	return m.MockSchema
}

// SideEffect implements Tool.
func (m *MockTool) SideEffect() SideEffect {
	if m.MockSideEffect == "" {
		return SideEffectPure
	}
	return m.MockSideEffect
}

// Platform implements PlatformTool when MockPlatform is set.
func (m *MockTool) Platform() string { return m.MockPlatform }

// Idempotent implements IdempotentTool.
func (m *MockTool) Idempotent() bool { return m.MockIdempotent }

// DefaultTimeout implements TimeoutTool when MockTimeout is set.
func (m *MockTool) DefaultTimeout() time.Duration { return m.MockTimeout }

// Execute implements Tool.
func (m *MockTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	m.calls.Add(1)
	if m.MockDelay > 0 {
		select {
		case <-time.After(m.MockDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, params)
	}
	return &Result{Success: true, Data: "ok"}, nil
}

// Calls returns how many times Execute ran.
func (m *MockTool) Calls() int64 { return m.calls.Load() }
