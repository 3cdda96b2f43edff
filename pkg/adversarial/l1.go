// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package adversarial

import (
	"context"
	"fmt"
	"strings"

	"github.com/teradata-labs/tapestry/pkg/llm"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

const judgeSystemPrompt = `You are a strict reviewer of AI agent work output.
Judge ONLY whether the output below genuinely accomplishes the task it claims to.
Reject fabricated results, unverifiable claims of success, and output that restates
the task instead of doing it. Answer with a single line:
VERDICT: PASS or VERDICT: REJECT
followed by one short sentence of reasoning.`

// judgeOutputLimit keeps the single L1 call bounded.
const judgeOutputLimit = 12000

// runL1 performs the one-call semantic review. The judge is a fresh
// agent with no pattern memory; only the turn's own text crosses the
// boundary. L1 can only downgrade, never upgrade, the L0 decision.
func (g *Guard) runL1(ctx context.Context, turn *Turn, review *Review) {
	ctx, span := g.tracer.StartSpan(ctx, observability.SpanAdversarialL1,
		observability.WithAttribute(observability.AttrAgentID, turn.AgentID))
	defer g.tracer.EndSpan(span)

	category := types.ModelLightReasoning
	judgeID := "adversarial-judge"
	if g.judge != nil {
		judgeID = g.judge.ID
		if g.judge.LLMCategory != "" {
			category = g.judge.LLMCategory
		}
	}

	output := turn.Output
	if len(output) > judgeOutputLimit {
		output = output[:judgeOutputLimit]
	}
	prompt := fmt.Sprintf("Task given to the agent:\n%s\n\nAgent output:\n%s", turn.Prompt, output)
	if len(turn.Annotations) > 0 {
		prompt += fmt.Sprintf("\n\nExecutor annotations: %s", strings.Join(turn.Annotations, ", "))
	}

	resp, err := g.llm.Call(ctx, llm.Request{
		Category: category,
		Messages: []types.Message{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: prompt},
		},
		AgentID:   judgeID,
		MissionID: turn.MissionID,
	})
	if err != nil {
		// A broken judge never blocks the pipeline.
		g.logger.Warn("l1 judge call failed, verdict skipped",
			zap.String("agent_id", turn.AgentID),
			zap.Error(err))
		span.RecordError(err)
		return
	}

	review.L1Ran = true
	verdict, reason := parseVerdict(resp.Content)
	review.L1Reason = reason
	if verdict == DecisionReject {
		review.Decision = DecisionReject
		g.tracer.RecordMetric(observability.MetricVetoes, 1,
			map[string]string{"stage": "l1", observability.AttrAgentID: turn.AgentID})
		g.logger.Info("turn rejected by semantic judge",
			zap.String("agent_id", turn.AgentID),
			zap.String("reason", reason))
	}
}

// parseVerdict extracts the verdict line and trailing reason. Anything
// unparseable counts as a pass; the judge must be explicit to reject.
func parseVerdict(content string) (Decision, string) {
	var verdict Decision = DecisionPass
	var reason []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "VERDICT:") {
			if strings.Contains(upper, "REJECT") {
				verdict = DecisionReject
			}
			continue
		}
		reason = append(reason, line)
	}
	return verdict, strings.Join(reason, " ")
}
