// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package mission

import (
	"context"
	"fmt"
	"strings"

	"github.com/teradata-labs/tapestry/pkg/llm"
	"github.com/teradata-labs/tapestry/pkg/patterns"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

const retroSystemPrompt = `You are closing a development sprint. Write a short retrospective:
what went well, what did not, and one concrete improvement for the next
sprint. At most five sentences, plain prose, no headings.`

// retrospective asks a light model to summarize the sprint. Any
// failure degrades to a canned summary so sprint closure never blocks
// on the LLM.
func (s *Service) retrospective(ctx context.Context, m *types.MissionRun, phase types.PhaseSpec, sprint int, result *patterns.RunResult) string {
	completed := 0
	for _, out := range result.Outputs {
		if out.Status == types.NodeCompleted {
			completed++
		}
	}
	fallback := fmt.Sprintf("Sprint %d of phase %s closed with %d of %d participants completed.",
		sprint, phase.Name, completed, len(result.Outputs))
	if result.Vetoed {
		fallback += fmt.Sprintf(" Vetoed by %s.", result.VetoedBy)
	}
	if s.llm == nil {
		return fallback
	}

	prompt := fmt.Sprintf("Phase: %s\nSprint: %d\nVetoed: %v\n\nSprint output:\n%s",
		phase.Name, sprint, result.Vetoed, clipText(result.Output, 4000))
	resp, err := s.llm.Call(ctx, llm.Request{
		Category:  types.ModelLightReasoning,
		AgentID:   "orchestrator",
		MissionID: m.ID,
		Phase:     phase.Name,
		Messages: []types.Message{
			{Role: "system", Content: retroSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		if err != nil {
			s.logger.Warn("retro generation failed, using summary",
				zap.String("mission_id", m.ID), zap.Error(err))
		}
		return fallback
	}
	return strings.TrimSpace(resp.Content)
}
