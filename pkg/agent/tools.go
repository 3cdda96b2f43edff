// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/types"
)

// ToolCatalog projects the shared tool registry down to an agent's
// allow-list. An agent with no allow-list gets no tools.
type ToolCatalog struct {
	registry *shuttle.Registry
}

// NewToolCatalog wraps a tool registry.
func NewToolCatalog(registry *shuttle.Registry) *ToolCatalog {
	return &ToolCatalog{registry: registry}
}

// ToolsFor returns the registered tools the agent may call.
func (c *ToolCatalog) ToolsFor(def *types.AgentDefinition) []shuttle.Tool {
	if def == nil || len(def.AllowedTools) == 0 {
		return nil
	}
	return c.registry.Select(def.AllowedTools)
}
