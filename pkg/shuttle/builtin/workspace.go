// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package builtin provides the built-in tools available to mission agents.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/teradata-labs/tapestry/pkg/shuttle"
)

const (
	// MaxWorkspaceReadSize caps file reads to keep LLM context bounded.
	MaxWorkspaceReadSize = 1 * 1024 * 1024

	// MaxWorkspaceListEntries caps directory listings.
	MaxWorkspaceListEntries = 500
)

// WorkspaceTool gives agents scoped access to the project working tree.
// All paths are resolved under the project root; traversal outside the
// root is rejected.
type WorkspaceTool struct {
	root string
}

// NewWorkspaceTool creates a workspace tool rooted at the project tree.
func NewWorkspaceTool(root string) (*WorkspaceTool, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return &WorkspaceTool{root: abs}, nil
}

func (t *WorkspaceTool) Name() string { return "workspace" }

func (t *WorkspaceTool) Description() string {
	return `Read, list, and write files in the project working tree.

Actions:
- read: return the content of a file (max 1MB)
- list: list files under a directory, recursively
- write: create or overwrite a file with the given content
- exists: check whether a path exists

All paths are relative to the project root. Ground your statements in
actual file content rather than guessing.`
}

func (t *WorkspaceTool) InputSchema() *shuttle.JSONSchema {
	return shuttle.NewObjectSchema(
		"Parameters for workspace operations",
		map[string]*shuttle.JSONSchema{
			"action": shuttle.NewStringSchema("Operation to perform").
				WithEnum("read", "list", "write", "exists"),
			"path":    shuttle.NewStringSchema("Path relative to the project root"),
			"content": shuttle.NewStringSchema("Content to write (write action only)"),
		},
		[]string{"action", "path"},
	)
}

func (t *WorkspaceTool) SideEffect() shuttle.SideEffect { return shuttle.SideEffectFilesystem }

func (t *WorkspaceTool) Execute(ctx context.Context, params map[string]interface{}) (*shuttle.Result, error) {
	action, _ := params["action"].(string)
	rel, _ := params["path"].(string)

	path, err := t.resolve(rel)
	if err != nil {
		return &shuttle.Result{
			Success: false,
			Error: shuttle.NewError(shuttle.ErrCodeInvalidArguments, err.Error()).
				WithSuggestion("use a path inside the project root"),
		}, nil
	}

	switch action {
	case "read":
		return t.read(path)
	case "list":
		return t.list(path)
	case "write":
		content, _ := params["content"].(string)
		return t.write(path, content)
	case "exists":
		_, err := os.Stat(path)
		return &shuttle.Result{Success: true, Data: err == nil}, nil
	default:
		return &shuttle.Result{
			Success: false,
			Error:   shuttle.NewError(shuttle.ErrCodeInvalidArguments, fmt.Sprintf("unknown action %q", action)),
		}, nil
	}
}

// Exists reports whether a path exists in the working tree. Used by the
// adversarial guard to verify file references in agent output.
func (t *WorkspaceTool) Exists(rel string) bool {
	path, err := t.resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Root returns the absolute workspace root.
func (t *WorkspaceTool) Root() string { return t.root }

func (t *WorkspaceTool) resolve(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(t.root, rel))
	if cleaned != t.root && !strings.HasPrefix(cleaned, t.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", rel)
	}
	return cleaned, nil
}

func (t *WorkspaceTool) read(path string) (*shuttle.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return &shuttle.Result{
			Success: false,
			Error:   shuttle.NewError(shuttle.ErrCodeInvalidArguments, fmt.Sprintf("stat failed: %v", err)),
		}, nil
	}
	if info.Size() > MaxWorkspaceReadSize {
		return &shuttle.Result{
			Success: false,
			Error: shuttle.NewError(shuttle.ErrCodeInvalidArguments,
				fmt.Sprintf("file is %d bytes, exceeds %d byte limit", info.Size(), MaxWorkspaceReadSize)),
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &shuttle.Result{
			Success: false,
			Error:   shuttle.NewError(shuttle.ErrCodeInvalidArguments, fmt.Sprintf("read failed: %v", err)),
		}, nil
	}
	return &shuttle.Result{Success: true, Data: string(data)}, nil
}

func (t *WorkspaceTool) list(path string) (*shuttle.Result, error) {
	var entries []string
	err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(t.root, p)
		if rerr != nil {
			return rerr
		}
		entries = append(entries, rel)
		if len(entries) >= MaxWorkspaceListEntries {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return &shuttle.Result{
			Success: false,
			Error:   shuttle.NewError(shuttle.ErrCodeInvalidArguments, fmt.Sprintf("list failed: %v", err)),
		}, nil
	}
	sort.Strings(entries)
	return &shuttle.Result{
		Success:  true,
		Data:     strings.Join(entries, "\n"),
		Metadata: map[string]interface{}{"count": len(entries)},
	}, nil
}

func (t *WorkspaceTool) write(path, content string) (*shuttle.Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &shuttle.Result{
			Success: false,
			Error:   shuttle.NewError(shuttle.ErrCodeInvalidArguments, fmt.Sprintf("mkdir failed: %v", err)),
		}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &shuttle.Result{
			Success: false,
			Error:   shuttle.NewError(shuttle.ErrCodeInvalidArguments, fmt.Sprintf("write failed: %v", err)),
		}, nil
	}
	return &shuttle.Result{
		Success:  true,
		Data:     fmt.Sprintf("wrote %d bytes", len(content)),
		Metadata: map[string]interface{}{"written_at": time.Now().UTC().Format(time.RFC3339)},
	}, nil
}

var _ shuttle.Tool = (*WorkspaceTool)(nil)
