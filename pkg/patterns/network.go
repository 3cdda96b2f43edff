// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// runHierarchical runs a lead agent that decomposes the work, fans the
// subtasks to the remaining participants, and synthesizes their results.
// The lead is the only node allowed to emit the phase's final output.
func (e *Engine) runHierarchical(ctx context.Context, st *runState) error {
	if len(st.defs) < 2 {
		return fmt.Errorf("hierarchical pattern needs a lead and at least one sub-agent")
	}
	lead := 0

	plan := e.runNode(ctx, st, lead, fmt.Sprintf(
		"%s\n\nYou lead a team of %d agents. Decompose this work into subtasks, one per team member.",
		st.req.Input, len(st.defs)-1), nil)
	if plan.status != types.NodeCompleted {
		st.recordNode(lead, plan)
		return nil
	}
	st.appendTranscript(lead, plan)

	subInput := fmt.Sprintf("Your lead produced this work breakdown:\n\n%s\n\nExecute your part of it.", plan.output)
	results, err := e.runStage(ctx, st, indexRange(1, len(st.defs)), subInput, st.transcript)
	if err != nil && !errors.Is(err, errAbsoluteVeto) {
		return err
	}

	var subOutputs []string
	for i := 1; i < len(st.defs); i++ {
		res := results[i]
		if res == nil {
			continue
		}
		if res.output != "" {
			subOutputs = append(subOutputs, fmt.Sprintf("## %s\n%s", st.defs[i].ID, res.output))
		}
	}

	final := e.runNode(ctx, st, lead, fmt.Sprintf(
		"%s\n\nYour team returned the following results. Synthesize the final deliverable.\n\n%s",
		st.req.Input, strings.Join(subOutputs, "\n\n")), st.transcript)

	// Sub-turn statuses survive, but the lead alone carries the output.
	st.recordNode(lead, final)
	for i := 1; i < len(st.defs); i++ {
		if results[i] != nil {
			res := *results[i]
			res.output = ""
			st.recordNode(i, &res)
		}
	}
	st.result.Output = final.output
	return nil
}

// votePattern matches "VOTE: 2" style ballots.
var votePattern = regexp.MustCompile(`(?im)^\s*VOTE:\s*(\d+)`)

// runNetwork runs full-mesh negotiation: every agent proposes, then
// every agent votes on the numbered proposal list. The proposal with a
// majority (or, failing that, a plurality) wins.
func (e *Engine) runNetwork(ctx context.Context, st *runState) error {
	results, err := e.runStage(ctx, st, indexRange(0, len(st.defs)), st.req.Input, nil)
	if err != nil && !errors.Is(err, errAbsoluteVeto) {
		return err
	}
	if errors.Is(err, errAbsoluteVeto) {
		for i, res := range results {
			if res != nil {
				st.recordNode(i, res)
			}
		}
		return nil
	}

	var proposals []string
	proposers := make([]int, 0, len(st.defs))
	for i, res := range results {
		if res == nil || res.status != types.NodeCompleted || res.output == "" {
			continue
		}
		proposals = append(proposals, fmt.Sprintf("### Proposal %d (from %s)\n%s",
			len(proposals)+1, st.defs[i].ID, res.output))
		proposers = append(proposers, i)
	}
	if len(proposals) == 0 {
		for i, res := range results {
			if res != nil {
				st.recordNode(i, res)
			}
		}
		return nil
	}

	ballot := fmt.Sprintf("%s\n\nThe following proposals are on the table:\n\n%s\n\n"+
		"Vote for exactly one proposal. Answer with a line of the form VOTE: <number>.",
		st.req.Input, strings.Join(proposals, "\n\n"))

	votes := make([]int, len(proposals))
	for i := range st.defs {
		res := e.runNode(ctx, st, i, ballot, nil)
		if res.status != types.NodeCompleted {
			continue
		}
		if n, ok := parseVote(res.output); ok && n >= 1 && n <= len(proposals) {
			votes[n-1]++
		}
	}

	winner := 0
	for i := range votes {
		if votes[i] > votes[winner] {
			winner = i
		}
	}
	quorum := len(st.defs)/2 + 1
	if votes[winner] < quorum {
		st.result.Annotations = append(st.result.Annotations,
			fmt.Sprintf("no quorum: best proposal got %d of %d required votes", votes[winner], quorum))
	}

	for i, res := range results {
		if res != nil {
			st.recordNode(i, res)
		}
	}
	winnerIdx := proposers[winner]
	st.result.Output = results[winnerIdx].output
	e.logger.Info("network negotiation settled",
		zap.String("run_id", st.runID),
		zap.String("winner", st.defs[winnerIdx].ID),
		zap.Int("votes", votes[winner]))
	return nil
}

func parseVote(output string) (int, bool) {
	m := votePattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// routeDirective matches "ROUTE: 2" style dispatcher decisions.
var routeDirective = regexp.MustCompile(`(?im)^\s*ROUTE:\s*(\d+)`)

// runRouter asks the first participant to pick exactly one downstream
// path; the chosen participant runs to completion and the others are
// never instantiated.
func (e *Engine) runRouter(ctx context.Context, st *runState) error {
	if len(st.defs) < 2 {
		return fmt.Errorf("router pattern needs a dispatcher and at least one route")
	}

	var routes []string
	for i := 1; i < len(st.defs); i++ {
		routes = append(routes, fmt.Sprintf("%d. %s (%s)", i, st.defs[i].ID, st.defs[i].Role))
	}
	prompt := fmt.Sprintf("%s\n\nPick the single best route for this work:\n%s\n\n"+
		"Answer with a line of the form ROUTE: <number>.",
		st.req.Input, strings.Join(routes, "\n"))

	dispatch := e.runNode(ctx, st, 0, prompt, nil)
	st.recordNode(0, dispatch)
	if dispatch.status != types.NodeCompleted {
		return nil
	}

	target := 1
	if m := routeDirective.FindStringSubmatch(dispatch.output); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n < len(st.defs) {
			target = n
		}
	}
	e.logger.Info("router dispatched",
		zap.String("run_id", st.runID),
		zap.String("target", st.defs[target].ID))

	res := e.runNode(ctx, st, target, st.req.Input, nil)
	st.recordNode(target, res)
	st.result.Output = res.output
	return nil
}
