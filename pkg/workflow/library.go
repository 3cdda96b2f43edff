// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package workflow loads workflow and pattern templates from a YAML
// directory and keeps them fresh with filesystem hot reload. Running
// missions pin their template at admission; a reload never alters an
// in-flight run.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// templateFile is the on-disk document shape. One file may declare any
// mix of workflows and patterns.
type templateFile struct {
	Workflows []*types.WorkflowTemplate  `yaml:"workflows"`
	Patterns  []*types.PatternDefinition `yaml:"patterns"`
}

// Library holds the loaded template set.
type Library struct {
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	workflows map[string]*types.WorkflowTemplate
	patterns  map[string]*types.PatternDefinition
	// source tracks which file declared each id, for delete handling.
	source map[string][]string
}

// NewLibrary creates a library over a template directory.
func NewLibrary(dir string, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		dir:       dir,
		logger:    logger,
		workflows: make(map[string]*types.WorkflowTemplate),
		patterns:  make(map[string]*types.PatternDefinition),
		source:    make(map[string][]string),
	}
}

// Load reads every YAML file in the directory. Invalid files fail the
// whole load; partial template sets are worse than a loud error at
// boot.
func (l *Library) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read template dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		if err := l.LoadFile(filepath.Join(l.dir, entry.Name())); err != nil {
			return err
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.Info("templates loaded",
		zap.String("dir", l.dir),
		zap.Int("workflows", len(l.workflows)),
		zap.Int("patterns", len(l.patterns)))
	return nil
}

// LoadFile parses one template file and replaces its previous
// declarations.
func (l *Library) LoadFile(path string) error {
	doc, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropFileLocked(path)

	var ids []string
	for _, wf := range doc.Workflows {
		l.workflows[wf.ID] = wf
		ids = append(ids, "workflow/"+wf.ID)
	}
	for _, p := range doc.Patterns {
		l.patterns[p.ID] = p
		ids = append(ids, "pattern/"+p.ID)
	}
	l.source[path] = ids
	return nil
}

// DropFile removes every template a deleted file declared.
func (l *Library) DropFile(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropFileLocked(path)
}

func (l *Library) dropFileLocked(path string) {
	for _, id := range l.source[path] {
		switch kind, name, _ := strings.Cut(id, "/"); kind {
		case "workflow":
			delete(l.workflows, name)
		case "pattern":
			delete(l.patterns, name)
		}
	}
	delete(l.source, path)
}

// parseFile reads and validates one template document.
func parseFile(path string) (*templateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc templateFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, wf := range doc.Workflows {
		if wf.ID == "" {
			return nil, fmt.Errorf("%s: workflow without id", path)
		}
		if len(wf.Phases) == 0 {
			return nil, fmt.Errorf("%s: workflow %s has no phases", path, wf.ID)
		}
		for i, phase := range wf.Phases {
			if phase.Name == "" || phase.PatternID == "" {
				return nil, fmt.Errorf("%s: workflow %s phase %d needs a name and a pattern", path, wf.ID, i)
			}
			if phase.Gate == "" {
				wf.Phases[i].Gate = types.GateNoVeto
			}
		}
	}
	for _, p := range doc.Patterns {
		if p.ID == "" {
			return nil, fmt.Errorf("%s: pattern without id", path)
		}
		if p.Type == "" {
			return nil, fmt.Errorf("%s: pattern %s without type", path, p.ID)
		}
		if len(p.Participants) == 0 {
			return nil, fmt.Errorf("%s: pattern %s has no participants", path, p.ID)
		}
	}
	return &doc, nil
}

// Workflow returns a deep copy of a template. Copies pin the template
// for the caller: a hot reload after admission never reaches a running
// mission.
func (l *Library) Workflow(id string) (*types.WorkflowTemplate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	wf, ok := l.workflows[id]
	if !ok {
		return nil, fmt.Errorf("unknown workflow: %s", id)
	}
	cp := *wf
	cp.Phases = append([]types.PhaseSpec(nil), wf.Phases...)
	return &cp, nil
}

// Pattern returns a deep copy of a pattern definition.
func (l *Library) Pattern(id string) (*types.PatternDefinition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.patterns[id]
	if !ok {
		return nil, fmt.Errorf("unknown pattern: %s", id)
	}
	cp := *p
	cp.Participants = append([]types.Participant(nil), p.Participants...)
	cp.Edges = append([]types.Edge(nil), p.Edges...)
	return &cp, nil
}

// Workflows lists loaded workflow ids, for diagnostics.
func (l *Library) Workflows() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.workflows))
	for id := range l.workflows {
		out = append(out, id)
	}
	return out
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
