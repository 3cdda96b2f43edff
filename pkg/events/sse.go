// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package events

import (
	"encoding/json"
	"net/http"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

// StreamName is the single SSE stream every mission event flows over.
// Clients filter by the mission_id field in the payload.
const StreamName = "missions"

// Broadcaster bridges the emitter to an SSE endpoint for surrounding
// code. Transport authentication stays outside the core.
type Broadcaster struct {
	server *sse.Server
	cancel func()
	logger *zap.Logger
}

// NewBroadcaster subscribes to the emitter and republishes every event
// on the SSE stream.
func NewBroadcaster(emitter *Emitter, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(StreamName)

	ch, cancel := emitter.Subscribe(256)
	b := &Broadcaster{server: server, cancel: cancel, logger: logger}
	go b.pump(ch)
	return b
}

func (b *Broadcaster) pump(ch <-chan Event) {
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			b.logger.Warn("event marshal failed, skipping broadcast",
				zap.String("type", ev.Type),
				zap.Error(err))
			continue
		}
		b.server.Publish(StreamName, &sse.Event{
			Event: []byte(ev.Type),
			Data:  data,
		})
	}
}

// ServeHTTP exposes the stream; clients connect with ?stream=missions.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.server.ServeHTTP(w, r)
}

// Close detaches from the emitter and shuts the SSE server down.
func (b *Broadcaster) Close() {
	b.cancel()
	b.server.Close()
}
