// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ZapTracer exports completed spans and metrics through a zap logger.
// It also keeps a bounded in-memory ring of recent spans for inspection
// by the admin surface.
type ZapTracer struct {
	logger *zap.Logger

	mu     sync.Mutex
	recent []*Span
	limit  int
}

// NewZapTracer creates a tracer that logs spans at debug level and
// metrics at info level. keep bounds the recent-span ring (0 means 256).
func NewZapTracer(logger *zap.Logger, keep int) *ZapTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keep <= 0 {
		keep = 256
	}
	return &ZapTracer{logger: logger, limit: keep}
}

// StartSpan creates a new span linked to any parent found in ctx.
func (t *ZapTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		TraceID:    uuid.New().String(),
		SpanID:     uuid.New().String(),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(span)
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		if span.ParentID == "" {
			span.ParentID = parent.SpanID
		}
	}
	return ContextWithSpan(ctx, span), span
}

// EndSpan finalizes the span, logs it, and retains it in the ring.
func (t *ZapTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	t.mu.Lock()
	t.recent = append(t.recent, span)
	if len(t.recent) > t.limit {
		t.recent = t.recent[len(t.recent)-t.limit:]
	}
	t.mu.Unlock()

	t.logger.Debug("span completed",
		zap.String("span", span.Name),
		zap.String("trace_id", span.TraceID),
		zap.Duration("duration", span.Duration),
		zap.String("status", span.Status.Code.String()),
	)
}

// RecordMetric logs the metric with its labels.
func (t *ZapTracer) RecordMetric(name string, value float64, labels map[string]string) {
	fields := make([]zap.Field, 0, len(labels)+2)
	fields = append(fields, zap.String("metric", name), zap.Float64("value", value))
	for k, v := range labels {
		fields = append(fields, zap.String(k, v))
	}
	t.logger.Info("metric", fields...)
}

// RecordEvent logs a standalone event.
func (t *ZapTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	t.logger.Info("event", zap.String("event", name), zap.Any("attributes", attributes))
}

// Flush syncs the underlying logger.
func (t *ZapTracer) Flush(ctx context.Context) error {
	// Sync errors on stderr sinks are expected and harmless.
	_ = t.logger.Sync()
	return nil
}

// RecentSpans returns a copy of the retained span ring, newest last.
func (t *ZapTracer) RecentSpans() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Span, len(t.recent))
	copy(out, t.recent)
	return out
}

var _ Tracer = (*ZapTracer)(nil)
