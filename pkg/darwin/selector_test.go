// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package darwin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap/zaptest"
)

type stubAgents map[types.Role][]*types.AgentDefinition

func (s stubAgents) ByRole(role types.Role) []*types.AgentDefinition { return s[role] }

func devAgents(ids ...string) stubAgents {
	defs := make([]*types.AgentDefinition, len(ids))
	for i, id := range ids {
		defs[i] = &types.AgentDefinition{ID: id, Role: types.RoleDeveloper}
	}
	return stubAgents{types.RoleDeveloper: defs}
}

func newTestSelector(t *testing.T, agents AgentSource, routing Routing) (*Selector, *storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: ":memory:", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sel, err := NewSelector(Config{
		Store:   store,
		Agents:  agents,
		Routing: routing,
		Logger:  zaptest.NewLogger(t),
		Seed:    42,
	})
	require.NoError(t, err)
	return sel, store
}

func seedOutcomes(t *testing.T, store *storage.Store, key storage.FitnessKey, wins, losses int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < wins; i++ {
		require.NoError(t, store.RecordOutcome(ctx, key, true, false))
	}
	for i := 0; i < losses; i++ {
		require.NoError(t, store.RecordOutcome(ctx, key, false, true))
	}
}

func TestTechnologyFallbacks(t *testing.T) {
	assert.Equal(t, []string{"angular_19", "angular_*", "generic"}, TechnologyFallbacks("angular_19"))
	assert.Equal(t, []string{"react", "generic"}, TechnologyFallbacks("react"))
	assert.Equal(t, []string{"generic"}, TechnologyFallbacks("generic"))
	assert.Equal(t, []string{"generic"}, TechnologyFallbacks(""))
}

func TestResolveAgentSingleCandidate(t *testing.T) {
	sel, _ := newTestSelector(t, devAgents("dev-only"), Routing{})
	got, err := sel.ResolveAgent(context.Background(), types.RoleDeveloper, "pair_programming", "angular_19", "implement")
	require.NoError(t, err)
	assert.Equal(t, "dev-only", got.ID)
}

func TestResolveAgentNoCandidates(t *testing.T) {
	sel, _ := newTestSelector(t, devAgents("dev-a"), Routing{})
	_, err := sel.ResolveAgent(context.Background(), types.RoleQA, "solo", "generic", "verify")
	assert.Error(t, err)
}

func TestResolveAgentWarmupExploresAndRegisters(t *testing.T) {
	sel, store := newTestSelector(t, devAgents("dev-a", "dev-b"), Routing{})
	ctx := context.Background()

	got, err := sel.ResolveAgent(ctx, types.RoleDeveloper, "solo", "angular_19", "implement")
	require.NoError(t, err)
	assert.Contains(t, []string{"dev-a", "dev-b"}, got.ID)

	// First sighting registers both cells for starvation aging.
	for _, id := range []string{"dev-a", "dev-b"} {
		rec, err := store.TeamFitness(ctx, storage.FitnessKey{
			AgentID: id, PatternID: "solo", Technology: "angular_19", PhaseType: "implement",
		})
		require.NoError(t, err)
		assert.EqualValues(t, 0, rec.Runs)
		assert.False(t, rec.FirstSeen.IsZero(), "key for %s should be registered", id)
	}
}

func TestResolveAgentPrefersWinner(t *testing.T) {
	sel, store := newTestSelector(t, devAgents("dev-a", "dev-b"), Routing{})
	key := func(id string) storage.FitnessKey {
		return storage.FitnessKey{AgentID: id, PatternID: "solo", Technology: "angular_19", PhaseType: "implement"}
	}
	seedOutcomes(t, store, key("dev-a"), 20, 0)
	seedOutcomes(t, store, key("dev-b"), 0, 20)

	got, err := sel.ResolveAgent(context.Background(), types.RoleDeveloper, "solo", "angular_19", "implement")
	require.NoError(t, err)
	assert.Equal(t, "dev-a", got.ID)
}

func TestResolveAgentTechnologyBackoff(t *testing.T) {
	sel, store := newTestSelector(t, devAgents("dev-a", "dev-b"), Routing{})
	key := func(id string) storage.FitnessKey {
		return storage.FitnessKey{AgentID: id, PatternID: "solo", Technology: "angular_*", PhaseType: "implement"}
	}
	seedOutcomes(t, store, key("dev-a"), 20, 0)
	seedOutcomes(t, store, key("dev-b"), 0, 20)

	// No angular_19 data exists; the family wildcard cell decides.
	got, err := sel.ResolveAgent(context.Background(), types.RoleDeveloper, "solo", "angular_19", "implement")
	require.NoError(t, err)
	assert.Equal(t, "dev-a", got.ID)
}

func TestResolveAgentStarvationFloor(t *testing.T) {
	sel, store := newTestSelector(t, devAgents("dev-a", "dev-b"), Routing{})
	ctx := context.Background()
	seedOutcomes(t, store, storage.FitnessKey{
		AgentID: "dev-a", PatternID: "solo", Technology: "angular_19", PhaseType: "implement",
	}, 20, 0)

	// First resolve registers dev-b's cell.
	_, err := sel.ResolveAgent(ctx, types.RoleDeveloper, "solo", "angular_19", "implement")
	require.NoError(t, err)

	// Past the starvation window, the never-run candidate is forced.
	sel.now = func() time.Time { return time.Now().Add(time.Hour) }
	got, err := sel.ResolveAgent(ctx, types.RoleDeveloper, "solo", "angular_19", "implement")
	require.NoError(t, err)
	assert.Equal(t, "dev-b", got.ID)
}

func TestResolveModelFallbackChain(t *testing.T) {
	sel, _ := newTestSelector(t, devAgents("dev-a"), Routing{
		Models: map[types.ModelCategory][]string{
			types.ModelHeavyProduction: {"custom-model"},
		},
	})
	ctx := context.Background()

	// Static routing wins when present.
	model, err := sel.ResolveModel(ctx, "dev-a", "solo", "generic", "implement", types.ModelHeavyProduction)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", model)

	// No routing entry falls through to the category defaults.
	model, err = sel.ResolveModel(ctx, "dev-a", "solo", "generic", "redact", types.ModelRedaction)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", model)

	// An unknown category lands on the local dev fallback.
	model, err = sel.ResolveModel(ctx, "dev-a", "solo", "generic", "implement", types.ModelCategory("exotic"))
	require.NoError(t, err)
	assert.Equal(t, devFallbackModel, model)
}

func TestResolveModelPrefersObservedWinner(t *testing.T) {
	sel, store := newTestSelector(t, devAgents("dev-a"), Routing{
		Models: map[types.ModelCategory][]string{
			types.ModelHeavyProduction: {"model-weak", "model-strong"},
		},
	})
	ctx := context.Background()
	key := storage.FitnessKey{AgentID: "dev-a", PatternID: "solo", Technology: "generic", PhaseType: "implement"}
	for i := 0; i < 20; i++ {
		require.NoError(t, store.RecordModelOutcome(ctx, key, "anthropic", "model-strong", true, false))
		require.NoError(t, store.RecordModelOutcome(ctx, key, "anthropic", "model-weak", false, true))
	}

	model, err := sel.ResolveModel(ctx, "dev-a", "solo", "generic", "implement", types.ModelHeavyProduction)
	require.NoError(t, err)
	assert.Equal(t, "model-strong", model)
}

func TestResolveModelCacheFlushOnRoutingChange(t *testing.T) {
	sel, _ := newTestSelector(t, devAgents("dev-a"), Routing{
		Models: map[types.ModelCategory][]string{
			types.ModelHeavyProduction: {"model-one"},
		},
	})
	ctx := context.Background()

	model, err := sel.ResolveModel(ctx, "dev-a", "solo", "generic", "implement", types.ModelHeavyProduction)
	require.NoError(t, err)
	assert.Equal(t, "model-one", model)

	sel.SetRouting(Routing{Models: map[types.ModelCategory][]string{
		types.ModelHeavyProduction: {"model-two"},
	}})
	model, err = sel.ResolveModel(ctx, "dev-a", "solo", "generic", "implement", types.ModelHeavyProduction)
	require.NoError(t, err)
	assert.Equal(t, "model-two", model, "routing change must flush the decision cache")
}

func TestRecordPhaseOutcome(t *testing.T) {
	sel, store := newTestSelector(t, devAgents("dev-a"), Routing{})
	ctx := context.Background()
	key := storage.FitnessKey{AgentID: "dev-a", PatternID: "solo", Technology: "generic", PhaseType: "implement"}

	require.NoError(t, sel.RecordPhaseOutcome(ctx, key, "claude-sonnet-4-5", "anthropic", OutcomeWin))
	require.NoError(t, sel.RecordPhaseOutcome(ctx, key, "claude-sonnet-4-5", "anthropic", OutcomeLoss))
	require.NoError(t, sel.RecordPhaseOutcome(ctx, key, "claude-sonnet-4-5", "anthropic", OutcomeDraw))

	rec, err := store.TeamFitness(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Runs, "a draw touches no counter")
	assert.EqualValues(t, 1, rec.Wins)
	assert.EqualValues(t, 1, rec.Losses)
	assert.EqualValues(t, rec.Wins+rec.Losses, rec.Runs)

	models, err := store.ModelFitness(ctx, key)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.EqualValues(t, 2, models[0].Runs)
	assert.EqualValues(t, 1, models[0].Wins)
	assert.EqualValues(t, models[0].Wins+models[0].Losses, models[0].Runs)
}

func TestMaybeScheduleAB(t *testing.T) {
	sel, _ := newTestSelector(t, devAgents("dev-a", "dev-b"), Routing{})
	key := func(id string) storage.FitnessKey {
		return storage.FitnessKey{AgentID: id, PatternID: "solo", Technology: "generic", PhaseType: "implement"}
	}

	// Near-identical heavy posteriors sample within the delta window.
	near := []*storage.FitnessRecord{
		{Key: key("dev-a"), Runs: 2000, Wins: 1000, Losses: 1000},
		{Key: key("dev-b"), Runs: 2000, Wins: 1000, Losses: 1000},
	}
	plan := sel.MaybeScheduleAB(near)
	require.NotNil(t, plan)
	assert.NotEqual(t, plan.Incumbent, plan.Challenger)

	// Far-apart posteriors schedule only on the random roll, so over many
	// trials the shadow rate stays near the configured probability.
	far := []*storage.FitnessRecord{
		{Key: key("dev-a"), Runs: 2000, Wins: 1990, Losses: 10},
		{Key: key("dev-b"), Runs: 2000, Wins: 10, Losses: 1990},
	}
	scheduled := 0
	for i := 0; i < 200; i++ {
		if sel.MaybeScheduleAB(far) != nil {
			scheduled++
		}
	}
	assert.Less(t, scheduled, 100, "clearly separated candidates mostly skip the shadow run")
}

func TestRecordABWinner(t *testing.T) {
	sel, store := newTestSelector(t, devAgents("dev-a", "dev-b"), Routing{})
	ctx := context.Background()

	incumbent := storage.FitnessKey{AgentID: "dev-a", PatternID: "solo", Technology: "generic", PhaseType: "implement"}
	challenger := storage.FitnessKey{AgentID: "dev-b", PatternID: "solo", Technology: "generic", PhaseType: "implement"}
	require.NoError(t, sel.RecordABWinner(ctx, incumbent, challenger, OutcomeLoss, OutcomeWin, "dev-b"))

	history, err := store.ABHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "dev-b", history[0].Winner)
	assert.Equal(t, "dev-b|solo|generic|implement", history[0].ChallengerKey)
	assert.Equal(t, string(OutcomeWin), history[0].ChallengerOutcome)
}
