// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"fmt"

	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// runDebate alternates two agents for a bounded number of rounds, then
// a neutral evaluator (the third participant, when declared) emits the
// verdict. Used for both debate and adversarial-pair patterns.
func (e *Engine) runDebate(ctx context.Context, st *runState) error {
	if len(st.defs) < 2 {
		return fmt.Errorf("%s pattern needs two debaters", st.req.Pattern.Type)
	}
	rounds := st.req.Pattern.Config.MaxIterations
	if rounds <= 0 {
		rounds = defaultIterations
	}

	var last [2]*nodeResult
	for round := 1; round <= rounds; round++ {
		for side := 0; side < 2; side++ {
			input := st.req.Input
			if round > 1 || side == 1 {
				input = fmt.Sprintf("%s\n\nRound %d. Respond to the other side's latest position.",
					st.req.Input, round)
			}
			res := e.runNode(ctx, st, side, input, st.transcript)
			last[side] = res
			if res.veto == types.VetoAbsolute {
				st.recordNode(0, orPending(last[0]))
				st.recordNode(1, orPending(last[1]))
				return nil
			}
			st.appendTranscript(side, res)
		}
	}
	st.recordNode(0, last[0])
	st.recordNode(1, last[1])

	// A declared third participant is the neutral evaluator. The
	// debaters themselves never judge.
	if len(st.defs) >= 3 {
		verdict := e.runNode(ctx, st, 2, fmt.Sprintf(
			"%s\n\nThe debate transcript precedes this message. As the neutral evaluator, "+
				"state the winning position and why.", st.req.Input), st.transcript)
		st.recordNode(2, verdict)
		st.result.Output = verdict.output
		e.logger.Info("debate judged",
			zap.String("run_id", st.runID),
			zap.String("evaluator", st.defs[2].ID),
			zap.Bool("vetoed", verdict.status == types.NodeVetoed))
	}
	return nil
}

// orPending substitutes a pending placeholder for a side that never ran.
func orPending(res *nodeResult) *nodeResult {
	if res == nil {
		return &nodeResult{status: types.NodePending}
	}
	return res
}
