// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package mission is the top-level driver. It admits mission runs
// through a global semaphore, walks each workflow's phases through the
// pattern engine, evaluates gates, and owns pause, resume, and
// checkpoint decisions. The persisted (phase_index, sprint) cursor is
// the single source of truth for resume.
package mission

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/teradata-labs/tapestry/pkg/darwin"
	"github.com/teradata-labs/tapestry/pkg/events"
	"github.com/teradata-labs/tapestry/pkg/llm"
	"github.com/teradata-labs/tapestry/pkg/memory"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/patterns"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// WorkflowSource supplies workflow and pattern templates. Implemented
// by *workflow.Library.
type WorkflowSource interface {
	Workflow(id string) (*types.WorkflowTemplate, error)
	Pattern(id string) (*types.PatternDefinition, error)
}

// PatternRunner executes collaboration patterns. Implemented by
// *patterns.Engine.
type PatternRunner interface {
	Execute(ctx context.Context, req patterns.RunRequest) (*patterns.RunResult, error)
	Resume(ctx context.Context, req patterns.RunRequest, cp *patterns.Checkpoint) (*patterns.RunResult, error)
}

// CompletionClient generates sprint retrospectives. Implemented by
// *llm.Client.
type CompletionClient interface {
	Call(ctx context.Context, req llm.Request) (*types.LLMResponse, error)
}

// OutcomeRecorder feeds phase outcomes back into selection fitness.
// Implemented by *darwin.Selector.
type OutcomeRecorder interface {
	RecordPhaseOutcome(ctx context.Context, key storage.FitnessKey, model, provider string, outcome darwin.Outcome) error
}

// Config configures the service.
type Config struct {
	Store   *storage.Store
	Library WorkflowSource
	Engine  PatternRunner
	Emitter *events.Emitter

	// Memory receives project-layer retrospectives; optional.
	Memory *memory.Manager

	// LLM writes the retrospective text; optional, a canned summary is
	// used without it.
	LLM CompletionClient

	// Darwin records per-agent phase outcomes; optional.
	Darwin OutcomeRecorder

	// AdmissionConcurrency is the number of missions running at once.
	AdmissionConcurrency int64

	Tracer observability.Tracer
	Logger *zap.Logger
}

// waiting is one mission in the admission queue.
type waiting struct {
	id    string
	score float64
	seq   int64
}

// resumeState carries a paused human-in-the-loop pattern run between
// the pause and the approval.
type resumeState struct {
	phaseIndex int
	sprint     int
	checkpoint *patterns.Checkpoint
}

// Service implements the mission command set and the phase loop.
type Service struct {
	store   *storage.Store
	library WorkflowSource
	engine  PatternRunner
	emitter *events.Emitter
	memory  *memory.Manager
	llm     CompletionClient
	darwin  OutcomeRecorder
	tracer  observability.Tracer
	logger  *zap.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	queue   []waiting
	seq     int64
	running map[string]context.CancelFunc
	resume  map[string]*resumeState

	notify chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService creates the mission service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Library == nil {
		return nil, fmt.Errorf("workflow library is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("pattern engine is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("event emitter is required")
	}
	if cfg.AdmissionConcurrency < 1 {
		cfg.AdmissionConcurrency = 1
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		store:   cfg.Store,
		library: cfg.Library,
		engine:  cfg.Engine,
		emitter: cfg.Emitter,
		memory:  cfg.Memory,
		llm:     cfg.LLM,
		darwin:  cfg.Darwin,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger,
		sem:     semaphore.NewWeighted(cfg.AdmissionConcurrency),
		running: make(map[string]context.CancelFunc),
		resume:  make(map[string]*resumeState),
		notify:  make(chan struct{}, 1),
	}, nil
}

// Start launches the admission dispatcher and re-admits recoverable
// missions from the store.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.dispatch(runCtx)

	recovered, err := s.store.RecoverableMissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate recoverable missions: %w", err)
	}
	for _, m := range recovered {
		if m.Status == types.MissionPaused {
			cp, err := s.store.PendingCheckpoint(ctx, m.ID)
			if err != nil || cp != nil {
				// Awaiting a human; stays paused.
				continue
			}
		}
		s.logger.Info("re-admitting mission after restart",
			zap.String("mission_id", m.ID),
			zap.Int("phase_index", m.PhaseIndex))
		s.enqueue(m.ID, m.WSJF)
	}
	return nil
}

// Stop cancels running missions and waits for the dispatcher to drain.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// CreateMission registers a run in status queued. The workflow template
// is pinned so later reloads never alter the run.
func (s *Service) CreateMission(ctx context.Context, projectID, workflowID string, wsjf types.WSJF) (*types.MissionRun, error) {
	wf, err := s.library.Workflow(workflowID)
	if err != nil {
		return nil, fmt.Errorf("cannot create mission: %w", err)
	}
	m := &types.MissionRun{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		WorkflowID: workflowID,
		WSJF:       wsjf,
		Status:     types.MissionQueued,
		PhaseIndex: 0,
		Sprint:     1,
		CreatedAt:  nowUTC(),
	}
	if err := s.store.CreateMission(ctx, m, wf); err != nil {
		return nil, err
	}
	s.tracer.RecordMetric(observability.MetricMissions, 1, map[string]string{"status": "created"})
	s.logger.Info("mission created",
		zap.String("mission_id", m.ID),
		zap.String("workflow_id", workflowID),
		zap.Float64("wsjf", wsjf.Score()))
	return m, nil
}

// StartMission admits a queued or interrupted mission. Terminal
// missions are rejected.
func (s *Service) StartMission(ctx context.Context, id string) error {
	m, err := s.store.GetMission(ctx, id)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return fmt.Errorf("mission %s is already terminal (%s)", id, m.Status)
	}
	s.enqueue(id, m.WSJF)
	return nil
}

// Submit creates and immediately starts a mission. Used by the
// scheduler for recurring runs.
func (s *Service) Submit(ctx context.Context, projectID, workflowID string, wsjf types.WSJF) (string, error) {
	m, err := s.CreateMission(ctx, projectID, workflowID, wsjf)
	if err != nil {
		return "", err
	}
	if err := s.StartMission(ctx, m.ID); err != nil {
		return "", err
	}
	return m.ID, nil
}

// PauseMission interrupts a running mission at the next suspension
// point, or withdraws a waiting one. Pausing anything else is a no-op.
func (s *Service) PauseMission(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, isRunning := s.running[id]
	if !isRunning {
		for i, w := range s.queue {
			if w.id == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if isRunning {
		// The phase loop observes the cancel and persists the pause.
		cancel()
		return nil
	}

	m, err := s.store.GetMission(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != types.MissionQueued {
		return nil
	}
	if err := s.store.UpdateMissionStatus(ctx, id, types.MissionPaused, "", nil); err != nil {
		return err
	}
	s.emit(ctx, id, events.MissionPaused, nil)
	return nil
}

// ResumeMission re-admits a paused mission from its persisted cursor.
func (s *Service) ResumeMission(ctx context.Context, id string) error {
	m, err := s.store.GetMission(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != types.MissionPaused {
		return fmt.Errorf("mission %s is not paused (%s)", id, m.Status)
	}
	cp, err := s.store.PendingCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	if cp != nil {
		return fmt.Errorf("mission %s awaits checkpoint %s; use approve_checkpoint", id, cp.ID)
	}
	s.enqueue(id, m.WSJF)
	return nil
}

// Checkpoint decisions.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// ApproveCheckpoint resolves a pending checkpoint. Accepting a
// human-in-the-loop pause resumes the pattern mid-run; accepting a
// checkpoint gate advances the phase cleanly; accepting a failed gate
// overrides it and advances with an issue note; rejecting fails the
// mission.
func (s *Service) ApproveCheckpoint(ctx context.Context, missionID, checkpointID, decision, decidedBy string) error {
	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}

	status := storage.CheckpointRejected
	if decision == DecisionAccept {
		status = storage.CheckpointAccepted
	} else if decision != DecisionReject {
		return fmt.Errorf("unknown checkpoint decision: %q", decision)
	}
	if err := s.store.DecideCheckpoint(ctx, checkpointID, status, decidedBy); err != nil {
		return err
	}

	if status == storage.CheckpointRejected {
		s.clearResume(missionID)
		if err := s.store.UpdateMissionStatus(ctx, missionID, types.MissionFailed, "", nil); err != nil {
			return err
		}
		s.emit(ctx, missionID, events.MissionFailed, map[string]interface{}{
			"reason":        "checkpoint rejected",
			"checkpoint_id": checkpointID,
			"decided_by":    decidedBy,
		})
		return nil
	}

	state, kind := s.loadCheckpointState(ctx, missionID, checkpointID)
	switch kind {
	case pauseKindGateFailure:
		// Override: the gate failed and the human waved it through.
		wf, err := s.store.GetMissionWorkflow(ctx, missionID)
		if err != nil {
			return err
		}
		phaseName := ""
		if m.PhaseIndex < len(wf.Phases) {
			phaseName = wf.Phases[m.PhaseIndex].Name
		}
		if err := s.store.AppendMissionIssues(ctx, missionID,
			fmt.Sprintf("phase %s gate overridden by %s", phaseName, decidedBy)); err != nil {
			return err
		}
		if err := s.advanceAfterCheckpoint(ctx, missionID, m.PhaseIndex); err != nil {
			return err
		}
	case pauseKindCheckpoint:
		// The phase produced its output and waited for sign-off.
		// Acceptance is the expected outcome, not an override.
		if err := s.advanceAfterCheckpoint(ctx, missionID, m.PhaseIndex); err != nil {
			return err
		}
	default:
		if state != nil {
			s.mu.Lock()
			s.resume[missionID] = state
			s.mu.Unlock()
		}
		// No surviving pattern state: the current phase restarts
		// at sprint 1 once re-admitted.
	}
	s.enqueue(missionID, m.WSJF)
	return nil
}

func (s *Service) advanceAfterCheckpoint(ctx context.Context, missionID string, phaseIndex int) error {
	return s.store.AdvanceCursor(ctx, missionID, phaseIndex+1, 1,
		"mission.cursor_advanced", map[string]interface{}{
			"phase_index": phaseIndex + 1,
			"sprint":      1,
		})
}

// View is the get_mission projection.
type View struct {
	Run        *types.MissionRun   `json:"run"`
	Phase      string              `json:"phase,omitempty"`
	Checkpoint *storage.Checkpoint `json:"checkpoint,omitempty"`
	Sprints    []*types.Sprint     `json:"sprints,omitempty"`
	Events     []events.Event      `json:"events,omitempty"`
}

// GetMission returns the full status projection including the last N
// journal events.
func (s *Service) GetMission(ctx context.Context, id string, lastEvents int) (*View, error) {
	m, err := s.store.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{Run: m}

	if wf, err := s.store.GetMissionWorkflow(ctx, id); err == nil && m.PhaseIndex < len(wf.Phases) {
		v.Phase = wf.Phases[m.PhaseIndex].Name
	}
	if cp, err := s.store.PendingCheckpoint(ctx, id); err == nil {
		v.Checkpoint = cp
	}
	if sprints, err := s.store.SprintsForMission(ctx, id); err == nil {
		v.Sprints = sprints
	}
	if lastEvents > 0 {
		if all, err := s.emitter.Replay(ctx, id, 0, 10000); err == nil {
			if len(all) > lastEvents {
				all = all[len(all)-lastEvents:]
			}
			v.Events = all
		}
	}
	return v, nil
}

// ListMissions returns missions filtered by status, newest first.
func (s *Service) ListMissions(ctx context.Context, statuses []types.MissionStatus, limit, offset int) ([]*types.MissionRun, error) {
	return s.store.ListMissions(ctx, statuses, limit, offset)
}

// enqueue adds a mission to the admission queue unless it is already
// waiting or running.
func (s *Service) enqueue(id string, wsjf types.WSJF) {
	s.mu.Lock()
	if _, ok := s.running[id]; ok {
		s.mu.Unlock()
		return
	}
	for _, w := range s.queue {
		if w.id == id {
			s.mu.Unlock()
			return
		}
	}
	s.seq++
	s.queue = append(s.queue, waiting{id: id, score: wsjf.Score(), seq: s.seq})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// popNext removes the highest-WSJF waiting mission; ties go to the
// earlier arrival.
func (s *Service) popNext() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	best := 0
	for i := 1; i < len(s.queue); i++ {
		if s.queue[i].score > s.queue[best].score ||
			(s.queue[i].score == s.queue[best].score && s.queue[i].seq < s.queue[best].seq) {
			best = i
		}
	}
	id := s.queue[best].id
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	return id, true
}

// dispatch admits waiting missions as semaphore slots free up.
func (s *Service) dispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		for {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			id, ok := s.popNext()
			if !ok {
				s.sem.Release(1)
				break
			}
			missionCtx, cancel := context.WithCancel(ctx)
			s.mu.Lock()
			s.running[id] = cancel
			s.mu.Unlock()

			s.wg.Add(1)
			go func(id string, cancel context.CancelFunc) {
				defer s.wg.Done()
				defer s.sem.Release(1)
				defer func() {
					cancel()
					s.mu.Lock()
					delete(s.running, id)
					s.mu.Unlock()
					// A pause may have re-queued work behind this slot.
					select {
					case s.notify <- struct{}{}:
					default:
					}
				}()
				s.runMission(missionCtx, id)
			}(id, cancel)
		}
	}
}

func (s *Service) clearResume(id string) {
	s.mu.Lock()
	delete(s.resume, id)
	s.mu.Unlock()
}

// takeResume pops stashed pattern state for the mission, if any.
func (s *Service) takeResume(id string) *resumeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.resume[id]
	delete(s.resume, id)
	return st
}

// emit journals and fans out one event; emission failure is logged and
// never interrupts the phase loop.
func (s *Service) emit(ctx context.Context, missionID, eventType string, payload map[string]interface{}) {
	if err := s.emitter.Emit(ctx, missionID, eventType, payload); err != nil {
		s.logger.Error("event emission failed",
			zap.String("mission_id", missionID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}
