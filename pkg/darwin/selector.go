// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package darwin evolves team and model selection with Thompson
// sampling over per-cell win/loss posteriors. Selection keys are
// (agent, pattern, technology, phase type), with the LLM model as a
// fifth dimension for model routing.
package darwin

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

const (
	// defaultWarmupRuns forces uniform exploration below this run count.
	defaultWarmupRuns = 5

	// defaultABDelta: sampled scores (0..100) closer than this schedule a
	// shadow A/B run.
	defaultABDelta = 10.0

	// defaultABRandomProbability schedules a shadow run regardless of delta.
	defaultABRandomProbability = 0.1

	// starvationWindow: a key active this long with zero runs gets a
	// forced exploratory pick.
	starvationWindow = 30 * time.Minute

	// routingCacheTTL bounds how stale a routing decision may be after a
	// config change.
	routingCacheTTL = 60 * time.Second
)

// Outcome is the gate-derived signal for one phase close.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	// OutcomeDraw (done_with_issues) touches no counter.
	OutcomeDraw Outcome = "draw"
)

// AgentSource lists candidate agents by role. Implemented by
// agent.Registry.
type AgentSource interface {
	ByRole(role types.Role) []*types.AgentDefinition
}

// Routing is the static model routing config, the fallback below
// Thompson sampling.
type Routing struct {
	// Models lists candidate model ids per category, preference order.
	Models map[types.ModelCategory][]string
}

// defaultModels is the hardcoded floor of the model priority chain.
var defaultModels = map[types.ModelCategory][]string{
	types.ModelHeavyReasoning:  {"claude-opus-4-6", "claude-sonnet-4-5"},
	types.ModelLightReasoning:  {"claude-haiku-4-5", "gpt-4o-mini"},
	types.ModelHeavyProduction: {"claude-sonnet-4-5", "gpt-4o"},
	types.ModelLightProduction: {"claude-haiku-4-5", "gpt-4o-mini"},
	types.ModelRedaction:       {"claude-haiku-4-5"},
}

// devFallbackModel is the last resort when no routing exists at all.
const devFallbackModel = "llama3.1"

// Config configures the selector.
type Config struct {
	Store   *storage.Store
	Agents  AgentSource
	Routing Routing
	Tracer  observability.Tracer
	Logger  *zap.Logger

	// Seed fixes the RNG for tests. Zero means time-seeded.
	Seed int64

	// WarmupRuns overrides the uniform-exploration threshold.
	WarmupRuns int

	// ABDelta overrides the shadow-run score distance.
	ABDelta float64

	// ABRandomP overrides the unconditional shadow-run probability.
	ABRandomP float64
}

// Selector picks agents and models, records outcomes, and schedules
// shadow A/B comparisons.
type Selector struct {
	store  *storage.Store
	agents AgentSource
	tracer observability.Tracer
	logger *zap.Logger

	warmupRuns int
	abDelta    float64
	abRandomP  float64

	mu      sync.Mutex
	rng     *rand.Rand
	routing Routing
	cache   map[string]cachedModel
	now     func() time.Time
}

type cachedModel struct {
	model   string
	expires time.Time
}

// NewSelector creates a selector.
func NewSelector(cfg Config) (*Selector, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.WarmupRuns <= 0 {
		cfg.WarmupRuns = defaultWarmupRuns
	}
	if cfg.ABDelta <= 0 {
		cfg.ABDelta = defaultABDelta
	}
	if cfg.ABRandomP <= 0 {
		cfg.ABRandomP = defaultABRandomProbability
	}
	return &Selector{
		store:      cfg.Store,
		agents:     cfg.Agents,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		warmupRuns: cfg.WarmupRuns,
		abDelta:    cfg.ABDelta,
		abRandomP:  cfg.ABRandomP,
		rng:        rand.New(rand.NewSource(seed)),
		routing:    cfg.Routing,
		cache:      make(map[string]cachedModel),
		now:        time.Now,
	}, nil
}

// SetRouting replaces the static routing config and flushes the
// decision cache. Callers observe the new config within the cache TTL
// even without calling this, but an explicit update flushes instantly.
func (s *Selector) SetRouting(r Routing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routing = r
	s.cache = make(map[string]cachedModel)
}

// TechnologyFallbacks expands a technology tag along the cold-start
// hierarchy: exact, family wildcard, generic.
func TechnologyFallbacks(technology string) []string {
	if technology == "" || technology == "generic" {
		return []string{"generic"}
	}
	out := []string{technology}
	if i := strings.LastIndex(technology, "_"); i > 0 {
		out = append(out, technology[:i]+"_*")
	}
	return append(out, "generic")
}

// ResolveAgent binds a role-typed participant to a concrete agent.
func (s *Selector) ResolveAgent(ctx context.Context, role types.Role, patternID, technology, phaseType string) (*types.AgentDefinition, error) {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanDarwinSelect,
		observability.WithAttribute(observability.AttrPatternType, patternID))
	defer s.tracer.EndSpan(span)

	if s.agents == nil {
		return nil, fmt.Errorf("no agent source configured")
	}
	candidates := s.agents.ByRole(role)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agents registered for role %q", role)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	records := make([]*storage.FitnessRecord, len(candidates))
	for i, cand := range candidates {
		rec, err := s.fitnessWithBackoff(ctx, cand.ID, patternID, technology, phaseType)
		if err != nil {
			return nil, err
		}
		records[i] = rec
		if rec.Runs == 0 && rec.FirstSeen.IsZero() {
			// First sighting. Register it so starvation detection can
			// age it from here.
			key := storage.FitnessKey{AgentID: cand.ID, PatternID: patternID, Technology: technology, PhaseType: phaseType}
			if err := s.store.RegisterFitnessKey(ctx, key); err != nil {
				s.logger.Warn("fitness key registration failed", zap.Error(err))
			}
		}
	}

	// Starvation floor: a never-run key that has been visible long
	// enough gets a forced pick.
	for i, rec := range records {
		if rec.Runs == 0 && !rec.FirstSeen.IsZero() && s.now().Sub(rec.FirstSeen) > starvationWindow {
			span.AddEvent("starvation_pick", map[string]interface{}{"agent_id": candidates[i].ID})
			return candidates[i], nil
		}
	}

	// Warmup: any under-observed candidate forces uniform exploration.
	for _, rec := range records {
		if rec.Runs < int64(s.warmupRuns) {
			s.mu.Lock()
			pick := candidates[s.rng.Intn(len(candidates))]
			s.mu.Unlock()
			span.AddEvent("warmup_pick", map[string]interface{}{"agent_id": pick.ID})
			return pick, nil
		}
	}

	best, _ := s.sampleBest(records)
	return candidates[best], nil
}

// sampleBest Thompson-samples each record and returns the argmax index
// and the sampled scores scaled to 0..100.
func (s *Selector) sampleBest(records []*storage.FitnessRecord) (int, []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scores := make([]float64, len(records))
	best := 0
	for i, rec := range records {
		scores[i] = sampleBeta(s.rng, float64(rec.Wins)+1, float64(rec.Losses)+1) * 100
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best, scores
}

// fitnessWithBackoff walks the technology hierarchy until a cell with
// observations appears; an empty walk returns the exact-key prior.
func (s *Selector) fitnessWithBackoff(ctx context.Context, agentID, patternID, technology, phaseType string) (*storage.FitnessRecord, error) {
	var first *storage.FitnessRecord
	for _, tech := range TechnologyFallbacks(technology) {
		rec, err := s.store.TeamFitness(ctx, storage.FitnessKey{
			AgentID:    agentID,
			PatternID:  patternID,
			Technology: tech,
			PhaseType:  phaseType,
		})
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = rec
		}
		if rec.Runs > 0 {
			return rec, nil
		}
	}
	return first, nil
}

// ResolveModel picks a concrete model for an agent turn. Priority:
// Thompson sample over observed models, then static routing, then the
// hardcoded category defaults, then the dev fallback. Decisions are
// cached per cell for at most 60 s.
func (s *Selector) ResolveModel(ctx context.Context, agentID, patternID, technology, phaseType string, category types.ModelCategory) (string, error) {
	cacheKey := strings.Join([]string{agentID, patternID, technology, phaseType, string(category)}, "|")
	s.mu.Lock()
	if c, ok := s.cache[cacheKey]; ok && s.now().Before(c.expires) {
		s.mu.Unlock()
		return c.model, nil
	}
	s.mu.Unlock()

	candidates := s.modelCandidates(category)
	model := s.pickModel(ctx, agentID, patternID, technology, phaseType, candidates)

	s.mu.Lock()
	s.cache[cacheKey] = cachedModel{model: model, expires: s.now().Add(routingCacheTTL)}
	s.mu.Unlock()
	return model, nil
}

func (s *Selector) modelCandidates(category types.ModelCategory) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if models := s.routing.Models[category]; len(models) > 0 {
		return models
	}
	if models := defaultModels[category]; len(models) > 0 {
		return models
	}
	return []string{devFallbackModel}
}

func (s *Selector) pickModel(ctx context.Context, agentID, patternID, technology, phaseType string, candidates []string) string {
	if len(candidates) == 1 {
		return candidates[0]
	}

	tallies := make(map[string]*storage.ModelFitnessRecord)
	for _, tech := range TechnologyFallbacks(technology) {
		recs, err := s.store.ModelFitness(ctx, storage.FitnessKey{
			AgentID:    agentID,
			PatternID:  patternID,
			Technology: tech,
			PhaseType:  phaseType,
		})
		if err != nil {
			s.logger.Warn("model fitness lookup failed, using routing order", zap.Error(err))
			return candidates[0]
		}
		for _, rec := range recs {
			if _, seen := tallies[rec.Model]; !seen {
				tallies[rec.Model] = rec
			}
		}
		if len(tallies) > 0 {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	best, bestScore := candidates[0], -1.0
	under := 0
	for _, model := range candidates {
		var wins, losses, runs int64
		if rec, ok := tallies[model]; ok {
			wins, losses, runs = rec.Wins, rec.Losses, rec.Runs
		}
		if runs < int64(s.warmupRuns) {
			under++
		}
		score := sampleBeta(s.rng, float64(wins)+1, float64(losses)+1)
		if score > bestScore {
			best, bestScore = model, score
		}
	}
	if under == len(candidates) && len(tallies) == 0 {
		// Nothing observed anywhere: uniform exploration.
		return candidates[s.rng.Intn(len(candidates))]
	}
	return best
}

// RecordPhaseOutcome updates the team and model posteriors at phase
// close. Draws (done_with_issues) touch no counter at all, keeping
// runs = wins + losses.
func (s *Selector) RecordPhaseOutcome(ctx context.Context, key storage.FitnessKey, model, provider string, outcome Outcome) error {
	if outcome == OutcomeDraw {
		return nil
	}
	win := outcome == OutcomeWin
	loss := outcome == OutcomeLoss
	if err := s.store.RecordOutcome(ctx, key, win, loss); err != nil {
		return err
	}
	if model != "" {
		if err := s.store.RecordModelOutcome(ctx, key, provider, model, win, loss); err != nil {
			return err
		}
	}
	return nil
}

// ABPlan schedules a shadow run of the challenger next to the incumbent.
type ABPlan struct {
	Incumbent  string
	Challenger string
}

// MaybeScheduleAB decides whether the two top candidates are close
// enough (or the dice say so) to warrant a shadow comparison.
func (s *Selector) MaybeScheduleAB(records []*storage.FitnessRecord) *ABPlan {
	if len(records) < 2 {
		return nil
	}
	best, scores := s.sampleBest(records)
	second := -1
	for i := range scores {
		if i == best {
			continue
		}
		if second < 0 || scores[i] > scores[second] {
			second = i
		}
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	delta := scores[best] - scores[second]
	if delta < s.abDelta || roll < s.abRandomP {
		return &ABPlan{
			Incumbent:  records[best].Key.AgentID,
			Challenger: records[second].Key.AgentID,
		}
	}
	return nil
}

// RecordABWinner journals a completed shadow comparison; future
// selection is biased through the regular fitness updates.
func (s *Selector) RecordABWinner(ctx context.Context, incumbentKey, challengerKey storage.FitnessKey, incumbentOutcome, challengerOutcome Outcome, winner string) error {
	rec := &storage.ABRecord{
		ID:                uuid.NewString(),
		ChallengerKey:     fitnessKeyString(challengerKey),
		IncumbentKey:      fitnessKeyString(incumbentKey),
		ChallengerOutcome: string(challengerOutcome),
		IncumbentOutcome:  string(incumbentOutcome),
		Winner:            winner,
	}
	if err := s.store.RecordABResult(ctx, rec); err != nil {
		return err
	}
	s.logger.Info("ab shadow run recorded",
		zap.String("winner", winner),
		zap.String("incumbent", rec.IncumbentKey),
		zap.String("challenger", rec.ChallengerKey))
	return nil
}

func fitnessKeyString(k storage.FitnessKey) string {
	return strings.Join([]string{k.AgentID, k.PatternID, k.Technology, k.PhaseType}, "|")
}
