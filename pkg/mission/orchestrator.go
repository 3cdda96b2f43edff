// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teradata-labs/tapestry/pkg/darwin"
	"github.com/teradata-labs/tapestry/pkg/events"
	"github.com/teradata-labs/tapestry/pkg/memory"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/patterns"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// eventCheckpointState is the internal journal entry that makes a
// paused pattern run survive a restart. It never reaches the public
// event vocabulary.
const eventCheckpointState = "mission.checkpoint_state"

// runMission walks the mission's phases to a terminal state, a human
// checkpoint, or an interruption. Phase transitions are strictly
// serialized; the cursor is advanced transactionally with its journal
// entry before every sprint.
func (s *Service) runMission(ctx context.Context, id string) {
	m, err := s.store.GetMission(ctx, id)
	if err != nil {
		s.logger.Error("admitted mission not loadable", zap.String("mission_id", id), zap.Error(err))
		return
	}
	if m.Status.Terminal() {
		return
	}
	wf, err := s.store.GetMissionWorkflow(ctx, id)
	if err != nil {
		s.failMission(ctx, id, fmt.Sprintf("pinned workflow not loadable: %v", err))
		return
	}

	ctx, span := s.tracer.StartSpan(ctx, observability.SpanMissionRun,
		observability.WithAttribute(observability.AttrMissionID, id))
	defer s.tracer.EndSpan(span)

	startEvent := events.MissionStarted
	if m.StartedAt != nil {
		startEvent = events.MissionResumed
	}
	if err := s.store.UpdateMissionStatus(ctx, id, types.MissionRunning, "", nil); err != nil {
		s.logger.Error("mission start transition failed", zap.String("mission_id", id), zap.Error(err))
		return
	}
	s.emit(ctx, id, startEvent, nil)

	hasIssues := len(m.Issues) > 0
	pendingResume := s.takeResume(id)

	for i := m.PhaseIndex; i < len(wf.Phases); i++ {
		phase := wf.Phases[i]
		pattern, err := s.library.Pattern(phase.PatternID)
		if err != nil {
			s.failMission(ctx, id, fmt.Sprintf("workflow %s references missing pattern %q", m.WorkflowID, phase.PatternID))
			return
		}
		s.emitPhaseStarted(ctx, id, i, phase.Name)

		maxSprints := phase.MaxSprints
		if maxSprints < 1 {
			maxSprints = 1
		}
		sprint := 1
		if pendingResume != nil && pendingResume.phaseIndex == i {
			sprint = pendingResume.sprint
		}
		prevNote := ""

	sprints:
		for {
			if err := s.store.AdvanceCursor(ctx, id, i, sprint, "mission.cursor_advanced", map[string]interface{}{
				"phase_index": i,
				"sprint":      sprint,
			}); err != nil {
				s.logger.Error("cursor advance failed", zap.String("mission_id", id), zap.Error(err))
				s.persistPause(ctx, id, "store unavailable")
				return
			}

			phaseCtx, phaseSpan := s.tracer.StartSpan(ctx, observability.SpanPhaseRun,
				observability.WithAttribute(observability.AttrPhaseName, phase.Name),
				observability.WithAttribute(observability.AttrSprint, sprint))

			req := patterns.RunRequest{
				Pattern:    pattern,
				MissionID:  id,
				ProjectID:  m.ProjectID,
				PhaseName:  phase.Name,
				PhaseType:  phase.Name,
				Technology: phase.Technology,
				SessionID:  id,
				Sprint:     sprint,
				Input:      s.phaseInput(phaseCtx, m, phase) + prevNote,
			}

			var result *patterns.RunResult
			if pendingResume != nil && pendingResume.phaseIndex == i {
				result, err = s.engine.Resume(phaseCtx, req, pendingResume.checkpoint)
				pendingResume = nil
			} else {
				if phase.Dev {
					s.openDevSprint(phaseCtx, id, i, sprint)
				}
				result, err = s.engine.Execute(phaseCtx, req)
			}
			s.tracer.EndSpan(phaseSpan)

			if err != nil {
				if ctx.Err() != nil {
					s.persistPause(ctx, id, "interrupted")
					return
				}
				s.failMission(ctx, id, fmt.Sprintf("phase %s: %v", phase.Name, err))
				return
			}

			s.emit(ctx, id, events.DarwinSelectedTeam, map[string]interface{}{
				"phase":  phase.Name,
				"agents": participantIDs(result),
			})
			if result.Vetoed {
				s.emit(ctx, id, events.AdversarialVeto, map[string]interface{}{
					"phase":    phase.Name,
					"by":       result.VetoedBy,
					"absolute": result.AbsoluteVeto,
				})
			}

			outcome, notes := patterns.EvaluateGate(phase.Gate, result)
			s.emit(ctx, id, events.PhaseGate, map[string]interface{}{
				"phase":   phase.Name,
				"gate":    string(phase.Gate),
				"outcome": string(outcome),
				"notes":   notes,
			})

			switch outcome {
			case patterns.GatePending:
				s.recordFitness(ctx, pattern, phase, result, "")
				s.pauseForCheckpoint(ctx, id, i, sprint, result.Checkpoint, pauseKindCheckpoint)
				return

			case patterns.GatePass:
				s.recordFitness(ctx, pattern, phase, result, darwin.OutcomeWin)
				if phase.Dev {
					s.closeDevSprint(ctx, m, phase, i, sprint, result, types.SprintCompleted)
				}
				if err := s.advancePhase(ctx, id, i); err != nil {
					s.persistPause(ctx, id, "store unavailable")
					return
				}
				break sprints

			default: // gate failed
				if phase.Dev {
					s.closeDevSprint(ctx, m, phase, i, sprint, result, types.SprintFailed)
				}
				policy := phase.OnFailure
				if policy == "" {
					policy = types.FailAbort
				}
				switch policy {
				case types.FailRetry:
					s.recordFitness(ctx, pattern, phase, result, darwin.OutcomeLoss)
					if sprint < maxSprints {
						sprint++
						prevNote = "\n\nThe previous sprint did not pass the gate. Prior output:\n" +
							clipText(result.Output, 4000)
						continue
					}
					hasIssues = true
					s.noteIssue(ctx, id, fmt.Sprintf("phase %s failed after %d sprints", phase.Name, sprint))
					if err := s.advancePhase(ctx, id, i); err != nil {
						s.persistPause(ctx, id, "store unavailable")
						return
					}
					break sprints

				case types.FailSkip:
					s.recordFitness(ctx, pattern, phase, result, darwin.OutcomeDraw)
					hasIssues = true
					s.noteIssue(ctx, id, fmt.Sprintf("phase %s skipped after gate failure", phase.Name))
					if err := s.advancePhase(ctx, id, i); err != nil {
						s.persistPause(ctx, id, "store unavailable")
						return
					}
					break sprints

				case types.FailHumanDecide:
					s.recordFitness(ctx, pattern, phase, result, darwin.OutcomeLoss)
					s.pauseForCheckpoint(ctx, id, i, sprint, nil, pauseKindGateFailure)
					return

				default: // abort
					s.recordFitness(ctx, pattern, phase, result, darwin.OutcomeLoss)
					s.failMission(ctx, id, fmt.Sprintf("phase %s gate failed", phase.Name))
					return
				}
			}
		}
	}

	final := types.MissionDone
	if hasIssues {
		final = types.MissionDoneWithIssues
	}
	if err := s.store.UpdateMissionStatus(ctx, id, final, "", nil); err != nil {
		s.logger.Error("mission completion transition failed", zap.String("mission_id", id), zap.Error(err))
		return
	}
	s.emit(ctx, id, events.MissionDone, map[string]interface{}{"status": string(final)})
	s.tracer.RecordMetric(observability.MetricMissions, 1, map[string]string{"status": string(final)})
	s.logger.Info("mission finished",
		zap.String("mission_id", id),
		zap.String("status", string(final)))
}

// advancePhase moves the cursor to the next phase transactionally with
// its journal entry.
func (s *Service) advancePhase(ctx context.Context, id string, phaseIndex int) error {
	err := s.store.AdvanceCursor(ctx, id, phaseIndex+1, 1, "mission.phase_completed", map[string]interface{}{
		"phase_index": phaseIndex,
	})
	if err != nil {
		s.logger.Error("phase advance failed", zap.String("mission_id", id), zap.Error(err))
	}
	return err
}

// emitPhaseStarted emits phase_started at most once per phase per
// mission, so a resumed phase never duplicates the entry.
func (s *Service) emitPhaseStarted(ctx context.Context, id string, phaseIndex int, name string) {
	if all, err := s.emitter.Replay(ctx, id, 0, 10000); err == nil {
		for _, ev := range all {
			if ev.Type != events.PhaseStarted {
				continue
			}
			if idx, ok := numberAsInt(ev.Payload["phase_index"]); ok && idx == phaseIndex {
				return
			}
		}
	}
	s.emit(ctx, id, events.PhaseStarted, map[string]interface{}{
		"phase_index": phaseIndex,
		"phase":       name,
	})
}

// phaseInput builds the directive that opens a phase run. Project
// vision and prior retros reach the agents through per-turn context
// injection; the directive just frames the work.
func (s *Service) phaseInput(ctx context.Context, m *types.MissionRun, phase types.PhaseSpec) string {
	b := fmt.Sprintf("Work the %q phase of mission %s.", phase.Name, m.ID)
	if m.ProjectID != "" {
		if p, err := s.store.GetProject(ctx, m.ProjectID); err == nil && p.Vision != "" {
			b += "\n\nProject vision:\n" + clipText(p.Vision, 2000)
		}
	}
	return b
}

// recordFitness credits every participant's fitness cell with the
// phase disposition. A gate pass is a win, an abort or retry a loss,
// and a skipped phase a draw; pending outcomes record nothing.
func (s *Service) recordFitness(ctx context.Context, pattern *types.PatternDefinition, phase types.PhaseSpec, result *patterns.RunResult, outcome darwin.Outcome) {
	if s.darwin == nil || outcome == "" {
		return
	}
	tech := phase.Technology
	if tech == "" {
		tech = "generic"
	}
	for _, out := range result.Outputs {
		if out.AgentID == "" {
			continue
		}
		key := storage.FitnessKey{
			AgentID:    out.AgentID,
			PatternID:  pattern.ID,
			Technology: tech,
			PhaseType:  phase.Name,
		}
		if err := s.darwin.RecordPhaseOutcome(ctx, key, "", "", outcome); err != nil {
			s.logger.Warn("fitness update failed",
				zap.String("agent_id", out.AgentID),
				zap.Error(err))
		}
	}
}

// Why a mission paused for a checkpoint. The kind decides what an
// acceptance means: a checkpoint gate advances cleanly, a failed gate
// is overridden with an issue note, and a pattern pause resumes
// mid-run.
const (
	pauseKindCheckpoint  = "checkpoint"
	pauseKindGateFailure = "gate_failure"
	pauseKindPattern     = "pattern"
)

// pauseForCheckpoint opens a pending checkpoint, persists surviving
// pattern state to the journal, and parks the mission in paused. The
// admission slot is released by the caller's return.
func (s *Service) pauseForCheckpoint(ctx context.Context, id string, phaseIndex, sprint int, cp *patterns.Checkpoint, kind string) {
	ctx = context.WithoutCancel(ctx)
	stored, err := s.store.CreateCheckpoint(ctx, id, phaseIndex)
	if err != nil {
		s.logger.Error("checkpoint creation failed", zap.String("mission_id", id), zap.Error(err))
		s.persistPause(ctx, id, "checkpoint not persisted")
		return
	}

	payload := map[string]interface{}{
		"checkpoint_id": stored.ID,
		"kind":          kind,
		"phase_index":   phaseIndex,
		"sprint":        sprint,
	}
	reason := "phase checkpoint awaits approval"
	if kind == pauseKindGateFailure {
		reason = "phase gate needs a human decision"
	}
	if cp != nil {
		payload["kind"] = pauseKindPattern
		reason = cp.Reason
		if data, err := json.Marshal(cp); err == nil {
			payload["checkpoint"] = string(data)
		}
		s.mu.Lock()
		s.resume[id] = &resumeState{phaseIndex: phaseIndex, sprint: sprint, checkpoint: cp}
		s.mu.Unlock()
	}
	if err := s.store.AppendJournal(ctx, id, eventCheckpointState, payload); err != nil {
		s.logger.Error("checkpoint state not journaled", zap.String("mission_id", id), zap.Error(err))
	}

	s.emit(ctx, id, events.CheckpointPending, map[string]interface{}{
		"checkpoint_id": stored.ID,
		"phase_index":   phaseIndex,
		"reason":        reason,
	})
	s.persistPause(ctx, id, reason)
}

// persistPause parks the mission in paused so a restart can resume
// from the cursor.
func (s *Service) persistPause(ctx context.Context, id, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.UpdateMissionStatus(ctx, id, types.MissionPaused, "", nil); err != nil {
		s.logger.Error("pause transition failed", zap.String("mission_id", id), zap.Error(err))
		return
	}
	s.emit(ctx, id, events.MissionPaused, map[string]interface{}{"reason": reason})
}

// failMission terminates the run with a recorded issue.
func (s *Service) failMission(ctx context.Context, id, reason string) {
	ctx = context.WithoutCancel(ctx)
	s.noteIssue(ctx, id, reason)
	if err := s.store.UpdateMissionStatus(ctx, id, types.MissionFailed, "", nil); err != nil {
		s.logger.Error("fail transition failed", zap.String("mission_id", id), zap.Error(err))
		return
	}
	s.emit(ctx, id, events.MissionFailed, map[string]interface{}{"reason": reason})
	s.tracer.RecordMetric(observability.MetricMissions, 1, map[string]string{"status": string(types.MissionFailed)})
}

func (s *Service) noteIssue(ctx context.Context, id, issue string) {
	if err := s.store.AppendMissionIssues(ctx, id, issue); err != nil {
		s.logger.Warn("issue not recorded", zap.String("mission_id", id), zap.Error(err))
	}
}

// openDevSprint creates the sprint record for a dev phase attempt.
func (s *Service) openDevSprint(ctx context.Context, missionID string, phaseIndex, number int) {
	sp := &types.Sprint{
		ID:         uuid.NewString(),
		MissionID:  missionID,
		PhaseIndex: phaseIndex,
		Number:     number,
		Status:     types.SprintActive,
		CreatedAt:  nowUTC(),
	}
	if err := s.store.CreateSprint(ctx, sp); err != nil {
		s.logger.Warn("sprint record not opened", zap.String("mission_id", missionID), zap.Error(err))
	}
}

// closeDevSprint finalizes the sprint row with an LLM retrospective
// and mirrors the retro into project-layer memory.
func (s *Service) closeDevSprint(ctx context.Context, m *types.MissionRun, phase types.PhaseSpec, phaseIndex, number int, result *patterns.RunResult, status types.SprintStatus) {
	ctx = context.WithoutCancel(ctx)
	sprints, err := s.store.SprintsForMission(ctx, m.ID)
	if err != nil {
		s.logger.Warn("sprint lookup failed", zap.String("mission_id", m.ID), zap.Error(err))
		return
	}
	var sprintID string
	for _, sp := range sprints {
		if sp.PhaseIndex == phaseIndex && sp.Number == number {
			sprintID = sp.ID
			break
		}
	}
	if sprintID == "" {
		return
	}

	velocity := 0
	for _, out := range result.Outputs {
		if out.Status == types.NodeCompleted {
			velocity++
		}
	}
	retro := s.retrospective(ctx, m, phase, number, result)
	if err := s.store.CloseSprint(ctx, sprintID, status, velocity, retro); err != nil {
		s.logger.Warn("sprint not closed", zap.String("sprint_id", sprintID), zap.Error(err))
		return
	}
	if s.memory != nil && m.ProjectID != "" {
		_, err := s.memory.Put(ctx, nil, memory.LayerProject, m.ProjectID, "retro", retro, map[string]interface{}{
			"mission_id": m.ID,
			"phase":      phase.Name,
			"sprint":     number,
		})
		if err != nil {
			s.logger.Warn("retro not persisted to memory", zap.String("mission_id", m.ID), zap.Error(err))
		}
	}
}

// loadCheckpointState recovers the journaled pause state for a
// checkpoint. The second return is the pause kind; pattern pauses also
// carry the resume state.
func (s *Service) loadCheckpointState(ctx context.Context, missionID, checkpointID string) (*resumeState, string) {
	entries, err := s.store.Journal(ctx, missionID, 0, 100000)
	if err != nil {
		return nil, ""
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.Type != eventCheckpointState {
			continue
		}
		if id, _ := entry.Payload["checkpoint_id"].(string); id != checkpointID {
			continue
		}
		kind, _ := entry.Payload["kind"].(string)
		if kind != pauseKindPattern {
			return nil, kind
		}
		raw, _ := entry.Payload["checkpoint"].(string)
		if raw == "" {
			return nil, kind
		}
		var cp patterns.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			s.logger.Warn("checkpoint state not decodable, phase restarts",
				zap.String("checkpoint_id", checkpointID), zap.Error(err))
			return nil, kind
		}
		phaseIndex, _ := numberAsInt(entry.Payload["phase_index"])
		sprint, ok := numberAsInt(entry.Payload["sprint"])
		if !ok || sprint < 1 {
			sprint = 1
		}
		return &resumeState{phaseIndex: phaseIndex, sprint: sprint, checkpoint: &cp}, kind
	}
	return nil, ""
}

func participantIDs(result *patterns.RunResult) []string {
	ids := make([]string, 0, len(result.Outputs))
	for _, out := range result.Outputs {
		if out.AgentID != "" {
			ids = append(ids, out.AgentID)
		}
	}
	return ids
}

// numberAsInt tolerates json round-tripped numerics.
func numberAsInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func clipText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func nowUTC() time.Time { return time.Now().UTC() }
