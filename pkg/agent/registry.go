// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package agent runs agent turns: it resolves agent definitions from a
// registry and drives the LLM/tool loop for one turn inside a pattern.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry holds agent definitions keyed by stable id. Definitions are
// resolved by id at runtime, never by inheritance.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*types.AgentDefinition
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		defs:   make(map[string]*types.AgentDefinition),
		logger: logger,
	}
}

// Register adds or replaces a definition.
func (r *Registry) Register(def *types.AgentDefinition) error {
	if def == nil || def.ID == "" {
		return fmt.Errorf("agent definition requires an id")
	}
	if def.Role == "" {
		return fmt.Errorf("agent %q requires a role", def.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		r.logger.Debug("replacing agent definition", zap.String("agent_id", def.ID))
	}
	r.defs[def.ID] = def
	return nil
}

// Get resolves a definition by id.
func (r *Registry) Get(id string) (*types.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", id)
	}
	return def, nil
}

// ByRole returns all definitions with the given role, sorted by id.
func (r *Registry) ByRole(role types.Role) []*types.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.AgentDefinition
	for _, def := range r.defs {
		if def.Role == role {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*types.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.AgentDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

type agentFile struct {
	Agents []*types.AgentDefinition `yaml:"agents"`
}

// LoadFile registers every definition from one YAML file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent file: %w", err)
	}
	var f agentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse agent file %s: %w", path, err)
	}
	for _, def := range f.Agents {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	r.logger.Info("loaded agent definitions",
		zap.String("file", path),
		zap.Int("count", len(f.Agents)))
	return nil
}

// LoadDir registers definitions from every .yaml/.yml file in a
// directory. Non-YAML files are skipped.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read agent dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
