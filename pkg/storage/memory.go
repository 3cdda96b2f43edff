// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryEntry is one stored fragment in a memory layer.
type MemoryEntry struct {
	ID        string                 `json:"id"`
	Layer     string                 `json:"layer"`
	ScopeID   string                 `json:"scope_id"`
	Category  string                 `json:"category,omitempty"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`

	// Rank is the search relevance when the entry came from a query.
	Rank float64 `json:"-"`
}

// PutMemory inserts a memory entry; the FTS index follows via trigger.
func (s *Store) PutMemory(ctx context.Context, e *MemoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	metaJSON := "{}"
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal memory metadata: %w", err)
		}
		metaJSON = string(b)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory_entries (id, layer, scope_id, category, content, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Layer, e.ScopeID, e.Category, e.Content, metaJSON, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert memory entry: %w", err)
		}
		return nil
	})
}

// DeleteMemoryScope removes all entries for a layer+scope. Session memory
// is dropped this way when a pattern run completes.
func (s *Store) DeleteMemoryScope(ctx context.Context, layer, scopeID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM memory_entries WHERE layer = ? AND scope_id = ?", layer, scopeID)
		if err != nil {
			return fmt.Errorf("failed to delete memory scope: %w", err)
		}
		return nil
	})
}

// MemoryByScope returns all entries in a layer+scope, newest first.
func (s *Store) MemoryByScope(ctx context.Context, layer, scopeID string, limit int) ([]*MemoryEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, layer, scope_id, category, content, metadata_json, created_at
		FROM memory_entries WHERE layer = ? AND scope_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		layer, scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory scope: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// SearchMemory runs a full-text query over the given layer+scope pairs
// ranked by BM25. When the FTS query is malformed it degrades to a
// substring scan rather than failing the caller.
func (s *Store) SearchMemory(ctx context.Context, query string, scopes [][2]string, limit int) ([]*MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if len(scopes) == 0 {
		return nil, nil
	}

	scopeClause, scopeArgs := memoryScopeClause(scopes)

	ftsQuery := ftsEscape(query)
	args := append([]interface{}{ftsQuery}, scopeArgs...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.layer, m.scope_id, m.category, m.content, m.metadata_json, m.created_at,
			bm25(memory_fts) AS rank
		FROM memory_fts f
		JOIN memory_entries m ON m.id = f.entry_id
		WHERE memory_fts MATCH ? AND (`+scopeClause+`)
		ORDER BY rank LIMIT ?`, args...)
	if err != nil {
		s.logger.Debug("fts query failed, falling back to substring scan", zap.Error(err))
		return s.searchMemoryLike(ctx, query, scopeClause, scopeArgs, limit)
	}
	defer rows.Close()

	out, err := scanMemoryRowsRanked(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return s.searchMemoryLike(ctx, query, scopeClause, scopeArgs, limit)
	}
	return out, nil
}

func (s *Store) searchMemoryLike(ctx context.Context, query, scopeClause string, scopeArgs []interface{}, limit int) ([]*MemoryEntry, error) {
	args := append(append([]interface{}{}, scopeArgs...), "%"+query+"%", limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, layer, scope_id, category, content, metadata_json, created_at
		FROM memory_entries
		WHERE (`+scopeClause+`) AND content LIKE ?
		ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search memory: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

func memoryScopeClause(scopes [][2]string) (string, []interface{}) {
	parts := make([]string, 0, len(scopes))
	args := make([]interface{}, 0, len(scopes)*2)
	for _, sc := range scopes {
		parts = append(parts, "(layer = ? AND scope_id = ?)")
		args = append(args, sc[0], sc[1])
	}
	return strings.Join(parts, " OR "), args
}

// ftsEscape quotes each term so user text cannot inject FTS operators.
func ftsEscape(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, ``) + `"`
	}
	return strings.Join(fields, " ")
}

func scanMemoryRows(rows *sql.Rows) ([]*MemoryEntry, error) {
	var out []*MemoryEntry
	for rows.Next() {
		e := &MemoryEntry{}
		var metaJSON string
		if err := rows.Scan(&e.ID, &e.Layer, &e.ScopeID, &e.Category, &e.Content,
			&metaJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			e.Metadata = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanMemoryRowsRanked(rows *sql.Rows) ([]*MemoryEntry, error) {
	var out []*MemoryEntry
	for rows.Next() {
		e := &MemoryEntry{}
		var metaJSON string
		if err := rows.Scan(&e.ID, &e.Layer, &e.ScopeID, &e.Category, &e.Content,
			&metaJSON, &e.CreatedAt, &e.Rank); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			e.Metadata = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
