// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/teradata-labs/tapestry/internal/config"
	"github.com/teradata-labs/tapestry/internal/log"
	"github.com/teradata-labs/tapestry/pkg/adversarial"
	"github.com/teradata-labs/tapestry/pkg/agent"
	"github.com/teradata-labs/tapestry/pkg/bus"
	"github.com/teradata-labs/tapestry/pkg/darwin"
	"github.com/teradata-labs/tapestry/pkg/events"
	"github.com/teradata-labs/tapestry/pkg/memory"
	"github.com/teradata-labs/tapestry/pkg/mission"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"github.com/teradata-labs/tapestry/pkg/patterns"
	"github.com/teradata-labs/tapestry/pkg/scheduler"
	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/shuttle/builtin"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"github.com/teradata-labs/tapestry/pkg/workflow"
	"go.uber.org/zap"
)

// shutdownGrace bounds how long teardown may take after a signal.
const shutdownGrace = 15 * time.Second

type serveOptions struct {
	configFile string
	listen     string
	templates  string
	agents     string
	workspace  string
	buildCmd   string
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configFile, "config", "", "optional config file (yaml)")
	cmd.Flags().StringVar(&opts.listen, "listen", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&opts.templates, "templates", "templates", "workflow template directory")
	cmd.Flags().StringVar(&opts.agents, "agents", "agents.yaml", "agent roster file or directory")
	cmd.Flags().StringVar(&opts.workspace, "workspace", ".", "workspace root agents may read and write")
	cmd.Flags().StringVar(&opts.buildCmd, "build-cmd", "", "project build command exposed as the build tool")
	return cmd
}

// busAudit persists delivered envelopes into the store's audit table.
type busAudit struct {
	store *storage.Store
}

func (a *busAudit) RecordBusMessage(ctx context.Context, env *bus.Envelope) error {
	return a.store.RecordBusMessage(ctx, &storage.BusMessage{
		ID:         env.ID,
		MissionID:  env.MissionID,
		Sender:     env.Sender,
		Recipients: env.Recipients,
		Type:       string(env.Type),
		Priority:   env.Priority,
		Body:       env.Body,
		ParentID:   env.ParentID,
		CreatedAt:  env.CreatedAt,
	})
}

func runServe(ctx context.Context, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	logger := log.Logger()
	tracer := observability.NewZapTracer(logger, 0)

	store, err := storage.Open(storage.Config{Path: cfg.DBPath, Tracer: tracer, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	registry := agent.NewRegistry(logger)
	if info, statErr := os.Stat(opts.agents); statErr == nil && info.IsDir() {
		err = registry.LoadDir(opts.agents)
	} else {
		err = registry.LoadFile(opts.agents)
	}
	if err != nil {
		return err
	}

	toolReg := shuttle.NewRegistry()
	workspaceTool, err := builtin.NewWorkspaceTool(opts.workspace)
	if err != nil {
		return err
	}
	toolReg.Register(workspaceTool)
	if opts.buildCmd != "" {
		toolReg.Register(builtin.NewBuildTool(opts.workspace, strings.Fields(opts.buildCmd)))
	}
	toolReg.Register(builtin.NewAndroidBuildTool(opts.workspace))

	toolExec, err := shuttle.NewExecutor(shuttle.ExecutorConfig{
		Registry:  toolReg,
		Approvals: store,
		Recorder:  store,
		Tracer:    tracer,
		Logger:    logger,
		PlatformBuilders: map[string]string{
			"android": "android_build",
		},
	})
	if err != nil {
		return err
	}

	llmClient, err := buildLLMClient(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	mem, err := memory.NewManager(memory.Config{Store: store, Tracer: tracer, Logger: logger})
	if err != nil {
		return err
	}

	msgBus := bus.New(bus.Config{
		Recorder: &busAudit{store: store},
		Tracer:   tracer,
		Logger:   logger,
	})

	turnExec, err := agent.NewExecutor(agent.ExecutorConfig{
		LLM:       llmClient,
		Tools:     toolExec,
		Memory:    mem,
		Bus:       msgBus,
		MaxRounds: cfg.ExecutorMaxRounds,
		Tracer:    tracer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	selector, err := darwin.NewSelector(darwin.Config{
		Store:      store,
		Agents:     registry,
		WarmupRuns: cfg.DarwinWarmupRuns,
		ABDelta:    cfg.DarwinABDelta,
		ABRandomP:  cfg.DarwinABRandomP,
		Tracer:     tracer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var judge *types.AgentDefinition
	if judges := registry.ByRole(types.RoleAdversarial); len(judges) > 0 {
		judge = judges[0]
	}
	var guardLLM adversarial.CompletionClient
	if cfg.AdversarialL1Enabled {
		guardLLM = llmClient
	}
	guard := adversarial.New(adversarial.Config{
		LLM:    guardLLM,
		Judge:  judge,
		Files:  workspaceTool,
		Tracer: tracer,
		Logger: logger,
	})

	engine, err := patterns.NewEngine(patterns.Config{
		Executor:       turnExec,
		Agents:         registry,
		Darwin:         selector,
		Guard:          guard,
		Tools:          agent.NewToolCatalog(toolReg),
		DefaultTimeout: cfg.PatternDefaultTimeout,
		Tracer:         tracer,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	library := workflow.NewLibrary(opts.templates, logger)
	if err := library.Load(); err != nil {
		return err
	}
	reloader, err := workflow.NewReloader(library, 0, logger)
	if err != nil {
		return err
	}
	if err := reloader.Start(ctx); err != nil {
		return err
	}

	emitter := events.NewEmitter(store, logger)
	broadcaster := events.NewBroadcaster(emitter, logger)

	svc, err := mission.NewService(mission.Config{
		Store:                store,
		Library:              library,
		Engine:               engine,
		Emitter:              emitter,
		Memory:               mem,
		LLM:                  llmClient,
		Darwin:               selector,
		AdmissionConcurrency: cfg.AdmissionConcurrency,
		Tracer:               tracer,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	sched, err := scheduler.NewScheduler(scheduler.Config{Store: store, Submitter: svc, Logger: logger})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	api := newAPI(svc, sched, broadcaster, logger)
	srv := &http.Server{
		Addr:              opts.listen,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tapestry serving",
			zap.String("listen", opts.listen),
			zap.String("db", cfg.DBPath),
			zap.String("templates", opts.templates))
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
		logger.Warn("http shutdown incomplete", zap.Error(shutErr))
	}
	if schedErr := sched.Stop(shutdownCtx); schedErr != nil {
		logger.Warn("scheduler shutdown incomplete", zap.Error(schedErr))
	}
	svc.Stop()
	reloader.Stop()
	broadcaster.Close()
	emitter.Close()
	msgBus.Close()

	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
