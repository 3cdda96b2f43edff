// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teradata-labs/tapestry/pkg/types"
)

// SaveProject inserts or replaces a project row.
func (s *Store) SaveProject(ctx context.Context, p *types.Project) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, working_tree, vision, val, conventions, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, working_tree = excluded.working_tree,
				vision = excluded.vision, val = excluded.val,
				conventions = excluded.conventions`,
			p.ID, p.Name, p.WorkingTree, p.Vision, p.Values, p.Conventions, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save project: %w", err)
		}
		return nil
	})
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	p := &types.Project{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, working_tree, vision, val, conventions
		FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.WorkingTree, &p.Vision, &p.Values, &p.Conventions)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, working_tree, vision, val, conventions
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		p := &types.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.WorkingTree, &p.Vision, &p.Values, &p.Conventions); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveWorkflow stores a workflow template's raw YAML under its id. Editing
// a workflow never alters in-flight missions, which keep their pinned copy.
func (s *Store) SaveWorkflow(ctx context.Context, id, name, specYAML string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (id, name, spec_yaml, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, spec_yaml = excluded.spec_yaml`,
			id, name, specYAML, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save workflow: %w", err)
		}
		return nil
	})
}

// GetWorkflowYAML loads a stored workflow's raw YAML.
func (s *Store) GetWorkflowYAML(ctx context.Context, id string) (string, error) {
	var spec string
	err := s.db.QueryRowContext(ctx, "SELECT spec_yaml FROM workflows WHERE id = ?", id).Scan(&spec)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("workflow not found: %s", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load workflow: %w", err)
	}
	return spec, nil
}
