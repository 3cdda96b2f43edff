// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	s, err := storage.Open(storage.Config{Path: ":memory:", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m, err := NewManager(Config{Store: s, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return m, s
}

func writerAgent(id string) *types.AgentDefinition {
	return &types.AgentDefinition{
		ID:   id,
		Role: types.RoleDeveloper,
		Permissions: types.Permissions{
			MayWriteMemory: true,
		},
	}
}

func TestPutRequiresWritePermission(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	denied := &types.AgentDefinition{ID: "qa-1", Role: types.RoleQA}
	_, err := m.Put(ctx, denied, LayerProject, "proj-1", "note", "should not land", nil)
	require.Error(t, err)

	id, err := m.Put(ctx, writerAgent("dev-1"), LayerProject, "proj-1", "note", "landed", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestPutRejectsUnknownLayer(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Put(context.Background(), nil, Layer("cosmic"), "x", "", "content", nil)
	require.Error(t, err)
}

func TestSearchRanksLocalLayerOnTies(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Identical content in two layers produces tied relevance; the
	// session entry must come first.
	_, err := m.Put(ctx, nil, LayerGlobal, GlobalScopeID, "lesson", "always pin the gradle wrapper", nil)
	require.NoError(t, err)
	_, err = m.Put(ctx, nil, LayerSession, "run-1", "note", "always pin the gradle wrapper", nil)
	require.NoError(t, err)

	hits := m.Search(ctx, SearchQuery{
		Query: "gradle wrapper",
		Scopes: []Scope{
			{Layer: LayerGlobal, ScopeID: GlobalScopeID},
			{Layer: LayerSession, ScopeID: "run-1"},
		},
		K: 10,
	})
	require.Len(t, hits, 2)
	assert.Equal(t, LayerSession, hits[0].Layer)
	assert.Equal(t, LayerGlobal, hits[1].Layer)
}

func TestAdversarialIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Put(ctx, nil, LayerPattern, "pattern-run-7", "draft", "team notes about the auth fix", nil)
	require.NoError(t, err)
	_, err = m.Put(ctx, nil, LayerProject, "proj-1", "note", "auth module uses argon2", nil)
	require.NoError(t, err)

	scopes := []Scope{
		{Layer: LayerPattern, ScopeID: "pattern-run-7"},
		{Layer: LayerProject, ScopeID: "proj-1"},
	}

	// The adversarial reviewer of run 7 sees nothing from its pattern layer.
	hits := m.Search(ctx, SearchQuery{
		Query:  "auth",
		Scopes: scopes,
		Viewer: Viewer{AgentID: "adv-1", Role: types.RoleAdversarial, JudgedPatternRunID: "pattern-run-7"},
	})
	require.Len(t, hits, 1)
	assert.Equal(t, LayerProject, hits[0].Layer)

	// A different run's pattern layer is not hidden.
	hits = m.Search(ctx, SearchQuery{
		Query:  "auth",
		Scopes: scopes,
		Viewer: Viewer{AgentID: "adv-1", Role: types.RoleAdversarial, JudgedPatternRunID: "pattern-run-8"},
	})
	assert.Len(t, hits, 2)

	// A developer viewer sees everything.
	hits = m.Search(ctx, SearchQuery{
		Query:  "auth",
		Scopes: scopes,
		Viewer: Viewer{AgentID: "dev-1", Role: types.RoleDeveloper},
	})
	assert.Len(t, hits, 2)
}

func TestEndScopeExpiresEphemeralLayers(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Put(ctx, nil, LayerSession, "sess-1", "note", "scratch", nil)
	require.NoError(t, err)
	require.NoError(t, m.EndScope(ctx, LayerSession, "sess-1"))

	hits := m.Search(ctx, SearchQuery{
		Query:  "scratch",
		Scopes: []Scope{{Layer: LayerSession, ScopeID: "sess-1"}},
	})
	assert.Empty(t, hits)

	// Durable layers refuse to be ended.
	require.Error(t, m.EndScope(ctx, LayerProject, "proj-1"))
	require.Error(t, m.EndScope(ctx, LayerGlobal, GlobalScopeID))
}

func TestInjectContextBudgets(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProject(ctx, &types.Project{
		ID: "proj-1", Name: "shop",
		Vision: strings.Repeat("build the fastest checkout flow. ", 200),
	}))
	for i := 0; i < 10; i++ {
		_, err := m.Put(ctx, nil, LayerProject, "proj-1", "retro",
			"dev retro: "+strings.Repeat("keep tests green. ", 20), nil)
		require.NoError(t, err)
		_, err = m.Put(ctx, nil, LayerGlobal, GlobalScopeID, "lesson",
			"dev lesson: "+strings.Repeat("small diffs review faster. ", 20), nil)
		require.NoError(t, err)
	}

	fragment := m.InjectContext(ctx, InjectRequest{
		Agent:     writerAgent("dev-1"),
		ProjectID: "proj-1",
		Phase:     "dev",
		Sprint:    2,
	})
	require.NotEmpty(t, fragment)
	assert.LessOrEqual(t, len(fragment), maxFragment)
	assert.Contains(t, fragment, "Project vision")
}

func TestGetRespectsViewerFilter(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Put(ctx, nil, LayerPattern, "pattern-run-7", "draft", "hidden from the judge", nil)
	require.NoError(t, err)

	e := m.Get(ctx, id, Viewer{AgentID: "dev-1", Role: types.RoleDeveloper})
	require.NotNil(t, e)

	e = m.Get(ctx, id, Viewer{AgentID: "adv-1", Role: types.RoleAdversarial, JudgedPatternRunID: "pattern-run-7"})
	assert.Nil(t, e)
}
