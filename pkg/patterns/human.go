// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"

	"github.com/google/uuid"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// runHumanInTheLoop executes participants sequentially like a chain,
// but pauses at every escalate edge: the run state is handed back as a
// checkpoint and execution continues only through Resume. startIndex
// supports resuming mid-chain.
func (e *Engine) runHumanInTheLoop(ctx context.Context, st *runState, startIndex int) error {
	pauseAfter := make(map[int]bool)
	for _, edge := range st.req.Pattern.Edges {
		if edge.Kind == types.EdgeEscalate {
			pauseAfter[edge.From] = true
		}
	}
	// No escalate edges still means a human in the loop: the run
	// pauses once, after the first participant.
	if len(pauseAfter) == 0 {
		pauseAfter[0] = true
	}

	for i := startIndex; i < len(st.defs); i++ {
		res := e.runNode(ctx, st, i, st.req.Input, st.transcript)
		st.recordNode(i, res)
		if res.status == types.NodeVetoed {
			return nil
		}
		st.appendTranscript(i, res)

		if pauseAfter[i] && i < len(st.defs)-1 {
			st.result.Checkpoint = &Checkpoint{
				ID:         uuid.NewString(),
				RunID:      st.runID,
				NextIndex:  i + 1,
				Reason:     "awaiting human approval after " + st.defs[i].ID,
				Transcript: st.transcript,
				Outputs:    st.result.Outputs,
			}
			e.logger.Info("pattern paused at checkpoint",
				zap.String("run_id", st.runID),
				zap.String("checkpoint_id", st.result.Checkpoint.ID),
				zap.Int("next_index", i+1))
			return nil
		}
	}
	return nil
}
