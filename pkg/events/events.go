// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package events is the append-only event surface of the core. Every
// state change is journaled first and then fanned out to live
// subscribers; delivery to live listeners is at-least-once and missed
// events are replayable from the journal by (mission, since_event_id).
package events

import (
	"context"
	"sync"
	"time"

	"github.com/teradata-labs/tapestry/pkg/storage"
	"go.uber.org/zap"
)

// Event type vocabulary. Subscribers switch on these tags.
const (
	MissionCreated        = "mission.created"
	MissionStarted        = "mission.started"
	MissionPaused         = "mission.paused"
	MissionResumed        = "mission.resumed"
	MissionDone           = "mission.done"
	MissionFailed         = "mission.failed"
	PhaseStarted          = "mission.phase_started"
	PhaseGate             = "mission.phase_gate"
	SprintOpened          = "mission.sprint_opened"
	SprintClosedWithRetro = "mission.sprint_closed_with_retro"
	AgentMessage          = "agent.message"
	AgentToolCalled       = "agent.tool_called"
	AdversarialVeto       = "adversarial.veto"
	DarwinSelectedTeam    = "darwin.selected_team"
	DarwinSelectedModel   = "darwin.selected_model"
	CheckpointPending     = "checkpoint.pending"
)

// Event is one journaled state change.
type Event struct {
	ID        int64                  `json:"id"`
	MissionID string                 `json:"mission_id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// subscriber is one live listener. Sends never block: a full buffer
// drops the event and bumps the skip counter; the listener can catch up
// through Replay.
type subscriber struct {
	ch      chan Event
	skipped int
}

// maxSkips cuts off a listener that never drains.
const maxSkips = 64

// Emitter journals events and fans them out.
type Emitter struct {
	store  *storage.Store
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewEmitter creates an emitter over the journal store.
func NewEmitter(store *storage.Store, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		store:  store,
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// Emit journals one event and pushes it to live subscribers. The
// journal write is the source of truth; fanout failure never loses the
// event.
func (e *Emitter) Emit(ctx context.Context, missionID, eventType string, payload map[string]interface{}) error {
	if err := e.store.AppendJournal(ctx, missionID, eventType, payload); err != nil {
		return err
	}
	id, err := e.store.LastEventID(ctx, missionID)
	if err != nil {
		e.logger.Warn("event id lookup failed, fanout gets id 0", zap.Error(err))
	}

	ev := Event{
		ID:        id,
		MissionID: missionID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, sub := range e.subs {
		select {
		case sub.ch <- ev:
			sub.skipped = 0
		default:
			sub.skipped++
			if sub.skipped >= maxSkips {
				close(sub.ch)
				delete(e.subs, key)
				e.logger.Warn("event subscriber cut off after repeated skips",
					zap.Int("subscriber", key))
			}
		}
	}
	return nil
}

// Subscribe registers a live listener. The cancel func detaches it and
// closes the channel.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 128
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = &subscriber{ch: ch}
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			close(sub.ch)
			delete(e.subs, id)
		}
	}
}

// Replay returns a mission's journaled events after sinceEventID,
// oldest first.
func (e *Emitter) Replay(ctx context.Context, missionID string, sinceEventID int64, limit int) ([]Event, error) {
	entries, err := e.store.Journal(ctx, missionID, sinceEventID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(entries))
	for i, entry := range entries {
		out[i] = Event{
			ID:        entry.EventID,
			MissionID: entry.MissionID,
			Type:      entry.Type,
			Payload:   entry.Payload,
			CreatedAt: entry.CreatedAt,
		}
	}
	return out, nil
}

// Close detaches all subscribers.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for key, sub := range e.subs {
		close(sub.ch)
		delete(e.subs, key)
	}
}
