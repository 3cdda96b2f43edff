// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap/zaptest"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, r.Register(&types.AgentDefinition{ID: "qa-1", Role: types.RoleQA}))
	require.Error(t, r.Register(&types.AgentDefinition{Role: types.RoleQA}), "id is required")
	require.Error(t, r.Register(&types.AgentDefinition{ID: "x"}), "role is required")

	def, err := r.Get("qa-1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleQA, def.Role)

	_, err = r.Get("nope")
	require.Error(t, err)
}

func TestRegistryByRole(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register(&types.AgentDefinition{ID: "dev-b", Role: types.RoleDeveloper}))
	require.NoError(t, r.Register(&types.AgentDefinition{ID: "dev-a", Role: types.RoleDeveloper}))
	require.NoError(t, r.Register(&types.AgentDefinition{ID: "sec-1", Role: types.RoleSecurity}))

	devs := r.ByRole(types.RoleDeveloper)
	require.Len(t, devs, 2)
	assert.Equal(t, "dev-a", devs[0].ID, "stable id order")
	assert.Equal(t, "dev-b", devs[1].ID)
	assert.Empty(t, r.ByRole(types.RoleAdversarial))
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `agents:
  - id: dev-android
    name: Android Developer
    role: developer
    llm_category: heavy_production
    allowed_tools: [workspace:read, workspace:write, build:android]
    permissions:
      veto: none
      may_write_memory: true
  - id: adv-code
    name: Code Critic
    role: adversarial
    llm_category: light_reasoning
    permissions:
      veto: strong
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.LoadDir(dir))
	assert.Equal(t, 2, r.Len())

	dev, err := r.Get("dev-android")
	require.NoError(t, err)
	assert.Equal(t, types.ModelHeavyProduction, dev.LLMCategory)
	assert.Contains(t, dev.AllowedTools, "build:android")
	assert.True(t, dev.Permissions.MayWriteMemory)

	adv, err := r.Get("adv-code")
	require.NoError(t, err)
	assert.Equal(t, types.VetoStrong, adv.Permissions.Veto)
}
