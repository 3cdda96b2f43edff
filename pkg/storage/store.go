// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package storage provides the transactional SQLite store behind the
// orchestration core: mission state, sprints, fitness rows, memory entries,
// LLM traces, tool calls, and the append-only journal that is the ground
// truth for recovery.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/teradata-labs/tapestry/pkg/observability"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the shared database handle. One Store per process; every
// component journals through the same handle so cursor updates and journal
// rows commit in a single transaction.
type Store struct {
	db     *sql.DB
	tracer observability.Tracer
	logger *zap.Logger

	// writeMu serializes writers. SQLite allows one writer at a time;
	// serializing in-process avoids SQLITE_BUSY churn under WAL.
	writeMu sync.Mutex
}

// Config configures the store.
type Config struct {
	// Path is the database file, or ":memory:" for tests.
	Path   string
	Tracer observability.Tracer
	Logger *zap.Logger
}

// Open opens (and migrates) the database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps the in-memory database coherent and keeps
	// WAL writers serialized for file-backed databases.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, tracer: cfg.Tracer, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the handle for read-only projections (admin surfaces, tests).
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a serialized write transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		working_tree TEXT NOT NULL DEFAULT '',
		vision TEXT NOT NULL DEFAULT '',
		val TEXT NOT NULL DEFAULT '',
		conventions TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		spec_yaml TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		workflow_json TEXT NOT NULL, -- pinned template, edits never alter in-flight runs
		status TEXT NOT NULL,
		phase_index INTEGER NOT NULL DEFAULT 0,
		sprint INTEGER NOT NULL DEFAULT 1,
		business_value INTEGER NOT NULL DEFAULT 0,
		time_criticality INTEGER NOT NULL DEFAULT 0,
		risk_reduction INTEGER NOT NULL DEFAULT 0,
		job_duration INTEGER NOT NULL DEFAULT 1,
		issues_json TEXT NOT NULL DEFAULT '[]',
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
	CREATE INDEX IF NOT EXISTS idx_missions_project ON missions(project_id);

	CREATE TABLE IF NOT EXISTS sprints (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL,
		phase_index INTEGER NOT NULL,
		number INTEGER NOT NULL,
		status TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0,
		velocity INTEGER NOT NULL DEFAULT 0,
		retro TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sprints_mission ON sprints(mission_id);

	CREATE TABLE IF NOT EXISTS bus_messages (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL,
		recipients_json TEXT NOT NULL,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_bus_messages_mission ON bus_messages(mission_id);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		arguments TEXT NOT NULL DEFAULT '{}',
		success INTEGER NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		result_text TEXT NOT NULL DEFAULT '',
		result_blob BLOB, -- zstd-compressed overflow for large results
		duration_ms INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_mission ON tool_calls(mission_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_idem ON tool_calls(idempotency_key);

	CREATE TABLE IF NOT EXISTS memory_entries (
		id TEXT PRIMARY KEY,
		layer TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memory_scope ON memory_entries(layer, scope_id);

	-- FTS5 virtual table for memory search (BM25 ranking)
	CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
		entry_id UNINDEXED,
		content
	);
	CREATE TRIGGER IF NOT EXISTS memory_fts_insert AFTER INSERT ON memory_entries
	BEGIN
		INSERT INTO memory_fts(entry_id, content) VALUES (NEW.id, NEW.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_fts_delete AFTER DELETE ON memory_entries
	BEGIN
		DELETE FROM memory_fts WHERE entry_id = OLD.id;
	END;

	CREATE TABLE IF NOT EXISTS team_fitness (
		agent_id TEXT NOT NULL,
		pattern_id TEXT NOT NULL,
		technology TEXT NOT NULL,
		phase_type TEXT NOT NULL,
		runs INTEGER NOT NULL DEFAULT 0,
		wins INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		first_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (agent_id, pattern_id, technology, phase_type)
	);

	CREATE TABLE IF NOT EXISTS model_fitness (
		agent_id TEXT NOT NULL,
		pattern_id TEXT NOT NULL,
		technology TEXT NOT NULL,
		phase_type TEXT NOT NULL,
		llm_model TEXT NOT NULL,
		llm_provider TEXT NOT NULL,
		runs INTEGER NOT NULL DEFAULT 0,
		wins INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		first_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (agent_id, pattern_id, technology, phase_type, llm_model)
	);

	CREATE TABLE IF NOT EXISTS ab_records (
		id TEXT PRIMARY KEY,
		challenger_key TEXT NOT NULL,
		incumbent_key TEXT NOT NULL,
		challenger_outcome TEXT NOT NULL DEFAULT '',
		incumbent_outcome TEXT NOT NULL DEFAULT '',
		winner TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS llm_traces (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_micro_usd INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		prompt_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_llm_traces_mission ON llm_traces(mission_id);
	CREATE INDEX IF NOT EXISTS idx_llm_traces_hash ON llm_traces(prompt_hash);

	CREATE TABLE IF NOT EXISTS journal (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		mission_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_journal_mission ON journal(mission_id, event_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL,
		phase_index INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		decided_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		decided_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_mission ON checkpoints(mission_id);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL,
		action TEXT NOT NULL,
		approved_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_mission ON approvals(mission_id, action);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		cron TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		skip_if_running INTEGER NOT NULL DEFAULT 1,
		business_value INTEGER NOT NULL DEFAULT 0,
		time_criticality INTEGER NOT NULL DEFAULT 0,
		risk_reduction INTEGER NOT NULL DEFAULT 0,
		job_duration INTEGER NOT NULL DEFAULT 1,
		last_mission_id TEXT NOT NULL DEFAULT '',
		last_run_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}
