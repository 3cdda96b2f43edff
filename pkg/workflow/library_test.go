// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap/zaptest"
)

const featureTemplates = `
workflows:
  - id: feature-delivery
    name: Feature delivery
    phases:
      - name: plan
        pattern: plan-solo
        gate: always
      - name: implement
        pattern: dev-sequential
        gate: no_veto
        max_sprints: 3
        on_failure: retry
        dev: true
        technology: angular_19
patterns:
  - id: plan-solo
    type: solo
    participants:
      - agent_id: architect-1
  - id: dev-sequential
    type: sequential
    participants:
      - role: developer
      - agent_id: qa-1
`

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLibraryLoad(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "feature.yaml", featureTemplates)
	writeTemplate(t, dir, "notes.txt", "not a template")

	lib := NewLibrary(dir, zaptest.NewLogger(t))
	require.NoError(t, lib.Load())

	wf, err := lib.Workflow("feature-delivery")
	require.NoError(t, err)
	require.Len(t, wf.Phases, 2)
	assert.Equal(t, types.GateAlways, wf.Phases[0].Gate)
	assert.Equal(t, "dev-sequential", wf.Phases[1].PatternID)
	assert.True(t, wf.Phases[1].Dev)
	assert.Equal(t, types.FailRetry, wf.Phases[1].OnFailure)

	p, err := lib.Pattern("dev-sequential")
	require.NoError(t, err)
	assert.Equal(t, types.PatternSequential, p.Type)
	assert.Equal(t, types.RoleDeveloper, p.Participants[0].Role)
	assert.Equal(t, "qa-1", p.Participants[1].AgentID)

	_, err = lib.Workflow("missing")
	assert.Error(t, err)
}

func TestLibraryDefaultsGate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "wf.yaml", `
workflows:
  - id: bare
    phases:
      - name: only
        pattern: p-1
patterns:
  - id: p-1
    type: solo
    participants:
      - agent_id: a-1
`)
	lib := NewLibrary(dir, zaptest.NewLogger(t))
	require.NoError(t, lib.Load())

	wf, err := lib.Workflow("bare")
	require.NoError(t, err)
	assert.Equal(t, types.GateNoVeto, wf.Phases[0].Gate)
}

func TestLibraryRejectsInvalidTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "bad.yaml", `
workflows:
  - id: broken
    phases: []
`)
	lib := NewLibrary(dir, zaptest.NewLogger(t))
	assert.Error(t, lib.Load())
}

func TestWorkflowCopyIsPinned(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "feature.yaml", featureTemplates)

	lib := NewLibrary(dir, zaptest.NewLogger(t))
	require.NoError(t, lib.Load())

	pinned, err := lib.Workflow("feature-delivery")
	require.NoError(t, err)

	// Reload with one phase renamed; the pinned copy must not move.
	writeTemplate(t, dir, "feature.yaml", `
workflows:
  - id: feature-delivery
    name: Feature delivery
    phases:
      - name: renamed
        pattern: plan-solo
        gate: always
patterns:
  - id: plan-solo
    type: solo
    participants:
      - agent_id: architect-1
`)
	require.NoError(t, lib.LoadFile(path))

	assert.Equal(t, "plan", pinned.Phases[0].Name)
	fresh, err := lib.Workflow("feature-delivery")
	require.NoError(t, err)
	assert.Equal(t, "renamed", fresh.Phases[0].Name)
	require.Len(t, fresh.Phases, 1)
}

func TestReloaderPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "feature.yaml", featureTemplates)

	lib := NewLibrary(dir, zaptest.NewLogger(t))
	require.NoError(t, lib.Load())

	r, err := NewReloader(lib, 10*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	writeTemplate(t, dir, "feature.yaml", `
workflows:
  - id: feature-delivery
    phases:
      - name: reloaded
        pattern: plan-solo
patterns:
  - id: plan-solo
    type: solo
    participants:
      - agent_id: architect-1
`)

	require.Eventually(t, func() bool {
		wf, err := lib.Workflow("feature-delivery")
		return err == nil && wf.Phases[0].Name == "reloaded"
	}, 3*time.Second, 20*time.Millisecond)

	// A broken edit is skipped; the previous version stays live.
	writeTemplate(t, dir, "feature.yaml", "workflows:\n  - id: feature-delivery\n    phases: []\n")
	time.Sleep(100 * time.Millisecond)
	wf, err := lib.Workflow("feature-delivery")
	require.NoError(t, err)
	assert.Equal(t, "reloaded", wf.Phases[0].Name)

	// Deleting the file drops its templates.
	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := lib.Workflow("feature-delivery")
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}
