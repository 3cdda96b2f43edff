// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrRateLimited is returned when the limiter could not admit the call
	// within its wait budget.
	ErrRateLimited = errors.New("rate_limited")

	// ErrAllProvidersFailed is returned when every provider in the
	// fallback chain was exhausted.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// IsThrottlingError checks if an error is a throttling error (HTTP 429).
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "ThrottlingException") ||
		strings.Contains(errStr, "TooManyRequests") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "throttle")
}

// IsNonRetriable reports errors that fallback must not mask: a malformed
// request or bad credentials fails the same way on every provider.
func IsNonRetriable(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "status 400") ||
		strings.Contains(errStr, "status 401") ||
		strings.Contains(errStr, "status 403") ||
		strings.Contains(errStr, "invalid_request") ||
		strings.Contains(errStr, "authentication")
}

// IsTransient reports errors worth handing to the next provider in the
// chain: throttling, timeouts, connection failures, server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsNonRetriable(err) {
		return false
	}
	if IsThrottlingError(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "status 500") ||
		strings.Contains(errStr, "status 502") ||
		strings.Contains(errStr, "status 503") ||
		strings.Contains(errStr, "status 529") ||
		strings.Contains(errStr, "EOF")
}
