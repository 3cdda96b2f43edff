// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"go.uber.org/zap/zaptest"
)

func newTestEmitter(t *testing.T) *Emitter {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: ":memory:", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	e := NewEmitter(store, zaptest.NewLogger(t))
	t.Cleanup(e.Close)
	return e
}

func TestEmitJournalsAndFansOut(t *testing.T) {
	e := newTestEmitter(t)
	ctx := context.Background()

	ch, cancel := e.Subscribe(8)
	defer cancel()

	require.NoError(t, e.Emit(ctx, "m-1", PhaseStarted, map[string]interface{}{"phase": "plan"}))

	select {
	case ev := <-ch:
		assert.Equal(t, PhaseStarted, ev.Type)
		assert.Equal(t, "m-1", ev.MissionID)
		assert.Equal(t, "plan", ev.Payload["phase"])
		assert.Greater(t, ev.ID, int64(0))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	// The journal holds the same event for replay.
	replayed, err := e.Replay(ctx, "m-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, PhaseStarted, replayed[0].Type)
}

func TestReplaySinceEventID(t *testing.T) {
	e := newTestEmitter(t)
	ctx := context.Background()

	require.NoError(t, e.Emit(ctx, "m-1", MissionCreated, nil))
	require.NoError(t, e.Emit(ctx, "m-1", PhaseStarted, nil))
	require.NoError(t, e.Emit(ctx, "m-1", PhaseGate, nil))
	require.NoError(t, e.Emit(ctx, "m-2", MissionCreated, nil))

	all, err := e.Replay(ctx, "m-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	tail, err := e.Replay(ctx, "m-1", all[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, PhaseStarted, tail[0].Type)
	assert.Equal(t, PhaseGate, tail[1].Type)
}

func TestSlowSubscriberIsCutOff(t *testing.T) {
	e := newTestEmitter(t)
	ctx := context.Background()

	// Buffer of 1 that is never drained.
	ch, cancel := e.Subscribe(1)
	defer cancel()

	for i := 0; i < maxSkips+2; i++ {
		require.NoError(t, e.Emit(ctx, "m-1", AgentMessage, nil))
	}

	// The channel was closed after the skip budget ran out: one buffered
	// event, then closed.
	<-ch
	_, open := <-ch
	assert.False(t, open, "a never-draining subscriber must be detached")

	// Emitting afterwards still works.
	require.NoError(t, e.Emit(ctx, "m-1", AgentMessage, nil))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	e := newTestEmitter(t)
	ch, cancel := e.Subscribe(4)
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Double cancel is safe.
	cancel()
}

func TestCloseDetachesAll(t *testing.T) {
	e := newTestEmitter(t)
	ch, _ := e.Subscribe(4)
	e.Close()
	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close returns a closed channel.
	ch2, _ := e.Subscribe(4)
	_, open = <-ch2
	assert.False(t, open)
}
