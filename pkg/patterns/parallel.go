// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/teradata-labs/tapestry/pkg/types"
	"golang.org/x/sync/errgroup"
)

// errAbsoluteVeto cancels sibling goroutines when one node's absolute
// veto short-circuits a concurrent stage.
var errAbsoluteVeto = errors.New("absolute veto")

// runParallel executes all participants concurrently, capped by
// wip_limit. Outputs are collected in declared participant order, never
// by completion time.
func (e *Engine) runParallel(ctx context.Context, st *runState) error {
	results, err := e.runStage(ctx, st, indexRange(0, len(st.defs)), st.req.Input, st.transcript)
	if err != nil && !errors.Is(err, errAbsoluteVeto) {
		return err
	}
	for i, res := range results {
		if res == nil {
			continue
		}
		st.recordNode(i, res)
	}
	return nil
}

// runWave executes participants in staged waves: each wave runs
// concurrently and later waves see the transcript of earlier ones.
// wip_limit sets the wave width; without one the run is a single wave.
func (e *Engine) runWave(ctx context.Context, st *runState) error {
	width := st.req.Pattern.Config.WIPLimit
	if width <= 0 {
		width = len(st.defs)
	}

	for lo := 0; lo < len(st.defs); lo += width {
		hi := lo + width
		if hi > len(st.defs) {
			hi = len(st.defs)
		}
		results, err := e.runStage(ctx, st, indexRange(lo, hi), st.req.Input, st.transcript)
		if err != nil && !errors.Is(err, errAbsoluteVeto) {
			return err
		}
		for i := lo; i < hi; i++ {
			res := results[i]
			if res == nil {
				continue
			}
			st.recordNode(i, res)
			st.appendTranscript(i, res)
		}
		if errors.Is(err, errAbsoluteVeto) {
			return nil
		}
	}
	return nil
}

// runAggregator fans the task to every worker concurrently, then a
// designated synthesizer (the last participant, or the target of an
// aggregate edge) collapses their outputs into one.
func (e *Engine) runAggregator(ctx context.Context, st *runState) error {
	if len(st.defs) < 2 {
		return fmt.Errorf("aggregator pattern needs at least one worker and a synthesizer")
	}
	synth := len(st.defs) - 1
	for _, edge := range st.req.Pattern.Edges {
		if edge.Kind == types.EdgeAggregate && edge.To >= 0 && edge.To < len(st.defs) {
			synth = edge.To
			break
		}
	}

	var workers []int
	for i := range st.defs {
		if i != synth {
			workers = append(workers, i)
		}
	}

	results, err := e.runStage(ctx, st, workers, st.req.Input, st.transcript)
	if err != nil && !errors.Is(err, errAbsoluteVeto) {
		return err
	}

	var inputs []string
	for _, i := range workers {
		res := results[i]
		if res == nil {
			continue
		}
		if i < synth {
			st.recordNode(i, res)
		}
		if res.output != "" {
			inputs = append(inputs, fmt.Sprintf("## Input from %s\n%s", st.defs[i].ID, res.output))
		}
	}
	if errors.Is(err, errAbsoluteVeto) {
		// Record workers after the synthesizer slot, then stop.
		for _, i := range workers {
			if i > synth && results[i] != nil {
				st.recordNode(i, results[i])
			}
		}
		return nil
	}

	prompt := fmt.Sprintf("%s\n\nSynthesize the following inputs into a single coherent output.\n\n%s",
		st.req.Input, strings.Join(inputs, "\n\n"))
	synthRes := e.runNode(ctx, st, synth, prompt, nil)

	// Declared order: workers before the synthesizer were already
	// recorded; slot the synthesizer, then the rest.
	st.recordNode(synth, synthRes)
	for _, i := range workers {
		if i > synth && results[i] != nil {
			st.recordNode(i, results[i])
		}
	}
	st.result.Output = synthRes.output
	return nil
}

// runStage executes one concurrent stage over the given participant
// indices. Results are positioned by participant index. An absolute
// veto cancels the stage's remaining work and returns errAbsoluteVeto.
func (e *Engine) runStage(ctx context.Context, st *runState, indices []int, input string, conversation []types.Message) ([]*nodeResult, error) {
	results := make([]*nodeResult, len(st.defs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if limit := st.req.Pattern.Config.WIPLimit; limit > 0 {
		g.SetLimit(limit)
	}

	for _, i := range indices {
		g.Go(func() error {
			res := e.runNode(gctx, st, i, input, conversation)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if res.veto == types.VetoAbsolute {
				return errAbsoluteVeto
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func indexRange(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}
