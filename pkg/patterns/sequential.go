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

// runSolo executes the single participant and terminates on its first
// final message.
func (e *Engine) runSolo(ctx context.Context, st *runState) error {
	res := e.runNode(ctx, st, 0, st.req.Input, nil)
	st.recordNode(0, res)
	return nil
}

// runSequential executes participants in declared order; each sees the
// concatenated outputs of its predecessors. A veto halts the chain and
// leaves the remaining nodes pending.
func (e *Engine) runSequential(ctx context.Context, st *runState) error {
	for i := range st.defs {
		res := e.runNode(ctx, st, i, st.req.Input, st.transcript)
		st.recordNode(i, res)
		if res.status == types.NodeVetoed {
			e.logger.Info("sequential chain halted by veto",
				zap.String("run_id", st.runID),
				zap.String("agent_id", st.defs[i].ID))
			return nil
		}
		st.appendTranscript(i, res)
	}
	return nil
}

// runLoop runs the participant set repeatedly until the convergence
// predicate holds or max_iterations is reached.
func (e *Engine) runLoop(ctx context.Context, st *runState) error {
	iterations := st.req.Pattern.Config.MaxIterations
	if iterations <= 0 {
		iterations = defaultIterations
	}

	var last []*nodeResult
	for iter := 1; iter <= iterations; iter++ {
		last = last[:0]
		input := st.req.Input
		if iter > 1 {
			input = fmt.Sprintf("%s\n\nIteration %d. Refine the previous results.", st.req.Input, iter)
		}
		for i := range st.defs {
			res := e.runNode(ctx, st, i, input, st.transcript)
			last = append(last, res)
			st.appendTranscript(i, res)
			if res.veto == types.VetoAbsolute {
				st.recordFinal(last)
				return nil
			}
		}
		if converged(st.req.Pattern.Config.Convergence, last) {
			st.result.Annotations = append(st.result.Annotations,
				fmt.Sprintf("converged after %d iterations", iter))
			break
		}
	}
	st.recordFinal(last)
	return nil
}

// recordFinal records the latest iteration's results in declared order.
func (st *runState) recordFinal(results []*nodeResult) {
	for i, res := range results {
		st.recordNode(i, res)
	}
}

// converged evaluates the loop convergence predicate over one
// iteration's results. The default predicate is no_veto.
func converged(predicate string, results []*nodeResult) bool {
	switch predicate {
	case "all_completed":
		for _, res := range results {
			if res.status != types.NodeCompleted {
				return false
			}
		}
		return true
	default: // no_veto
		for _, res := range results {
			if res.status == types.NodeVetoed || res.status == types.NodeFailed {
				return false
			}
		}
		return true
	}
}

// runCascade executes a sequential chain of specialist critics. Every
// critic sees the work under review plus all prior critiques. Only an
// absolute veto short-circuits; lesser vetoes are collected so the gate
// sees the full critique set.
func (e *Engine) runCascade(ctx context.Context, st *runState) error {
	for i := range st.defs {
		res := e.runNode(ctx, st, i, st.req.Input, st.transcript)
		st.recordNode(i, res)
		if res.veto == types.VetoAbsolute {
			e.logger.Info("cascade short-circuited by absolute veto",
				zap.String("run_id", st.runID),
				zap.String("agent_id", st.defs[i].ID),
				zap.Int("skipped", len(st.defs)-i-1))
			return nil
		}
		st.appendTranscript(i, res)
	}
	return nil
}
