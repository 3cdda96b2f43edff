// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package memory

import (
	"context"
	"strings"

	"github.com/teradata-labs/tapestry/pkg/types"
)

// Character budgets for the injected prompt fragment.
const (
	maxVisionChars = 3000
	maxRetroChars  = 2000
	maxLessonChars = 3000
	maxFragment    = 8000
)

// InjectRequest scopes a context injection to one agent turn.
type InjectRequest struct {
	Agent        *types.AgentDefinition
	ProjectID    string
	PatternRunID string
	SessionID    string
	Phase        string
	Sprint       int
}

// InjectContext builds the bounded prompt fragment for an agent turn:
// a project vision excerpt, prior sprint retros, and top global lessons.
// The fragment never exceeds 8k characters.
func (m *Manager) InjectContext(ctx context.Context, req InjectRequest) string {
	var b strings.Builder

	if req.ProjectID != "" {
		if p, err := m.store.GetProject(ctx, req.ProjectID); err == nil && p.Vision != "" {
			b.WriteString("## Project vision\n")
			b.WriteString(clip(p.Vision, maxVisionChars))
			b.WriteString("\n\n")
		}
	}

	viewer := Viewer{}
	if req.Agent != nil {
		viewer = Viewer{
			AgentID:            req.Agent.ID,
			Role:               req.Agent.Role,
			JudgedPatternRunID: req.PatternRunID,
		}
	}

	if req.ProjectID != "" && req.Phase != "" {
		retros := m.Search(ctx, SearchQuery{
			Query:  req.Phase,
			Scopes: []Scope{{Layer: LayerProject, ScopeID: req.ProjectID}},
			K:      5,
			Viewer: viewer,
		})
		var section strings.Builder
		for _, e := range retros {
			if e.Category != "retro" {
				continue
			}
			if section.Len()+len(e.Content) > maxRetroChars {
				break
			}
			section.WriteString("- ")
			section.WriteString(e.Content)
			section.WriteString("\n")
		}
		if section.Len() > 0 {
			b.WriteString("## Prior sprint retrospectives\n")
			b.WriteString(section.String())
			b.WriteString("\n")
		}
	}

	lessons := m.Search(ctx, SearchQuery{
		Query:  req.Phase,
		Scopes: []Scope{{Layer: LayerGlobal, ScopeID: GlobalScopeID}},
		K:      10,
		Viewer: viewer,
	})
	var section strings.Builder
	for _, e := range lessons {
		if section.Len()+len(e.Content) > maxLessonChars {
			break
		}
		section.WriteString("- ")
		section.WriteString(e.Content)
		section.WriteString("\n")
	}
	if section.Len() > 0 {
		b.WriteString("## Lessons\n")
		b.WriteString(section.String())
	}

	return clip(b.String(), maxFragment)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
