// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package memory implements the four-layer scoped memory manager:
// session ⊂ pattern ⊂ project ⊂ global. Entries are full-text searchable;
// adversarial reviewers are isolated from the pattern layer they judge.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// Layer identifies one of the four nested memory scopes.
type Layer string

const (
	LayerSession Layer = "session"
	LayerPattern Layer = "pattern"
	LayerProject Layer = "project"
	LayerGlobal  Layer = "global"
)

// GlobalScopeID is the single scope id of the global layer.
const GlobalScopeID = "global"

// layerRank orders layers for tie-breaks; local context wins.
func layerRank(l Layer) int {
	switch l {
	case LayerSession:
		return 0
	case LayerPattern:
		return 1
	case LayerProject:
		return 2
	case LayerGlobal:
		return 3
	default:
		return 4
	}
}

// Valid reports whether the layer is one of the four known layers.
func (l Layer) Valid() bool {
	return layerRank(l) < 4
}

// Scope addresses one layer instance.
type Scope struct {
	Layer   Layer
	ScopeID string
}

// Viewer identifies who is reading. The manager filters what an
// adversarial reviewer may see.
type Viewer struct {
	AgentID string
	Role    types.Role

	// JudgedPatternRunID is set when the viewer is reviewing a pattern
	// run. An adversarial viewer never sees that run's pattern layer.
	JudgedPatternRunID string
}

// SearchQuery parameterizes a memory search.
type SearchQuery struct {
	Query  string
	Scopes []Scope
	K      int
	Viewer Viewer
}

// Entry is a search or read result.
type Entry struct {
	ID       string
	Layer    Layer
	ScopeID  string
	Category string
	Content  string
	Metadata map[string]interface{}
	Rank     float64
}

// Manager coordinates writes and reads across the four layers.
type Manager struct {
	store  *storage.Store
	tracer observability.Tracer
	logger *zap.Logger

	// scopeMu serializes writes per (layer, scope_id).
	mu      sync.Mutex
	scopeMu map[string]*sync.Mutex
}

// Config configures the manager.
type Config struct {
	Store  *storage.Store
	Tracer observability.Tracer
	Logger *zap.Logger
}

// NewManager creates a memory manager over the store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		store:   cfg.Store,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger,
		scopeMu: make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) lockScope(layer Layer, scopeID string) *sync.Mutex {
	key := string(layer) + "|" + scopeID
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.scopeMu[key]
	if !ok {
		mu = &sync.Mutex{}
		m.scopeMu[key] = mu
	}
	return mu
}

// Put writes one entry into a layer. The writer needs may_write_memory;
// writes to the same (layer, scope) are serialized.
func (m *Manager) Put(ctx context.Context, writer *types.AgentDefinition, layer Layer, scopeID, category, content string, metadata map[string]interface{}) (string, error) {
	if !layer.Valid() {
		return "", fmt.Errorf("unknown memory layer: %s", layer)
	}
	if scopeID == "" {
		return "", fmt.Errorf("scope id is required")
	}
	if writer != nil && !writer.Permissions.MayWriteMemory {
		return "", fmt.Errorf("agent %s lacks memory write permission", writer.ID)
	}

	mu := m.lockScope(layer, scopeID)
	mu.Lock()
	defer mu.Unlock()

	e := &storage.MemoryEntry{
		Layer:    string(layer),
		ScopeID:  scopeID,
		Category: category,
		Content:  content,
		Metadata: metadata,
	}
	if err := m.store.PutMemory(ctx, e); err != nil {
		return "", fmt.Errorf("failed to put memory entry: %w", err)
	}
	return e.ID, nil
}

// Search runs a ranked full-text search over the requested scopes. On a
// broken index it degrades to a linear scan and emits a degraded-mode
// event instead of erroring.
func (m *Manager) Search(ctx context.Context, q SearchQuery) []*Entry {
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanMemorySearch)
	defer m.tracer.EndSpan(span)

	k := q.K
	if k <= 0 {
		k = 20
	}
	scopes := m.visibleScopes(q.Scopes, q.Viewer)
	if len(scopes) == 0 {
		return nil
	}

	pairs := make([][2]string, len(scopes))
	for i, sc := range scopes {
		pairs[i] = [2]string{string(sc.Layer), sc.ScopeID}
	}

	raw, err := m.store.SearchMemory(ctx, q.Query, pairs, k*2)
	if err != nil {
		m.tracer.RecordEvent(ctx, "memory.degraded", map[string]interface{}{
			"reason": "full-text search failed, linear scan fallback",
		})
		m.logger.Warn("memory search degraded to linear scan",
			zap.String("query", q.Query),
			zap.Error(err))
		raw = m.linearScan(ctx, q.Query, pairs, k*2)
	}

	entries := make([]*Entry, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, &Entry{
			ID:       r.ID,
			Layer:    Layer(r.Layer),
			ScopeID:  r.ScopeID,
			Category: r.Category,
			Content:  r.Content,
			Metadata: r.Metadata,
			Rank:     r.Rank,
		})
	}

	// Relevance first; on ties the more local layer wins.
	sort.SliceStable(entries, func(i, j int) bool {
		if math.Abs(entries[i].Rank-entries[j].Rank) < 1e-9 {
			return layerRank(entries[i].Layer) < layerRank(entries[j].Layer)
		}
		return entries[i].Rank < entries[j].Rank
	})

	if len(entries) > k {
		entries = entries[:k]
	}
	return entries
}

// Get returns one entry by id, or nil when absent or invisible to the
// viewer.
func (m *Manager) Get(ctx context.Context, id string, viewer Viewer) *Entry {
	rows, err := m.store.DB().QueryContext(ctx, `
		SELECT id, layer, scope_id, category, content FROM memory_entries WHERE id = ?`, id)
	if err != nil {
		return nil
	}
	defer rows.Close()
	if !rows.Next() {
		return nil
	}
	e := &Entry{}
	var layer string
	if err := rows.Scan(&e.ID, &layer, &e.ScopeID, &e.Category, &e.Content); err != nil {
		return nil
	}
	e.Layer = Layer(layer)
	if m.hiddenFromViewer(Scope{Layer: e.Layer, ScopeID: e.ScopeID}, viewer) {
		return nil
	}
	return e
}

// EndScope drops every entry of an expiring scope. Session scopes end
// with their session, pattern scopes with their pattern run.
func (m *Manager) EndScope(ctx context.Context, layer Layer, scopeID string) error {
	if layer != LayerSession && layer != LayerPattern {
		return fmt.Errorf("layer %s is durable and cannot be ended", layer)
	}
	mu := m.lockScope(layer, scopeID)
	mu.Lock()
	defer mu.Unlock()
	return m.store.DeleteMemoryScope(ctx, string(layer), scopeID)
}

func (m *Manager) visibleScopes(scopes []Scope, viewer Viewer) []Scope {
	out := make([]Scope, 0, len(scopes))
	for _, sc := range scopes {
		if m.hiddenFromViewer(sc, viewer) {
			continue
		}
		out = append(out, sc)
	}
	return out
}

func (m *Manager) hiddenFromViewer(sc Scope, viewer Viewer) bool {
	if viewer.Role != types.RoleAdversarial {
		return false
	}
	// An adversarial reviewer never reads the pattern layer of the run
	// it judges; seeing the team's working notes would bias the review.
	return sc.Layer == LayerPattern && sc.ScopeID == viewer.JudgedPatternRunID
}

func (m *Manager) linearScan(ctx context.Context, query string, pairs [][2]string, limit int) []*storage.MemoryEntry {
	var out []*storage.MemoryEntry
	for _, p := range pairs {
		entries, err := m.store.MemoryByScope(ctx, p[0], p[1], limit)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if containsFold(e.Content, query) {
				out = append(out, e)
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
