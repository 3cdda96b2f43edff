// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/teradata-labs/tapestry/pkg/shuttle"
)

// BuildTool runs a project's configured build command in the working tree.
// The executor redirects generic "build" calls to a platform builder when
// the phase declares one, so this tool only ever sees stack-neutral builds.
type BuildTool struct {
	workdir string
	command []string
	timeout time.Duration
}

// NewBuildTool creates the generic build tool. command is the argv to run,
// e.g. ["make", "build"].
func NewBuildTool(workdir string, command []string) *BuildTool {
	return &BuildTool{workdir: workdir, command: command, timeout: 120 * time.Second}
}

func (t *BuildTool) Name() string        { return "build" }
func (t *BuildTool) Description() string { return "Run the project's build and report the output." }

func (t *BuildTool) InputSchema() *shuttle.JSONSchema {
	return shuttle.NewObjectSchema(
		"Parameters for the build",
		map[string]*shuttle.JSONSchema{
			"target": shuttle.NewStringSchema("Optional build target appended to the build command"),
		},
		nil,
	)
}

func (t *BuildTool) SideEffect() shuttle.SideEffect { return shuttle.SideEffectFilesystem }
func (t *BuildTool) DefaultTimeout() time.Duration  { return t.timeout }

func (t *BuildTool) Execute(ctx context.Context, params map[string]interface{}) (*shuttle.Result, error) {
	argv := append([]string{}, t.command...)
	if target, ok := params["target"].(string); ok && target != "" {
		argv = append(argv, target)
	}
	return runBuild(ctx, t.workdir, argv)
}

// AndroidBuildTool runs Gradle builds. Developer agents on Android phases are
// redirected here; the long default timeout accounts for cold Gradle daemons.
type AndroidBuildTool struct {
	workdir string
}

// NewAndroidBuildTool creates the Android builder rooted at the project tree.
func NewAndroidBuildTool(workdir string) *AndroidBuildTool {
	return &AndroidBuildTool{workdir: workdir}
}

func (t *AndroidBuildTool) Name() string { return "android_build" }

func (t *AndroidBuildTool) Description() string {
	return "Run the Gradle build for an Android project and report the output."
}

func (t *AndroidBuildTool) InputSchema() *shuttle.JSONSchema {
	return shuttle.NewObjectSchema(
		"Parameters for the Android build",
		map[string]*shuttle.JSONSchema{
			"task": shuttle.NewStringSchema("Gradle task to run").
				WithEnum("assembleDebug", "assembleRelease", "test", "lint").
				WithDefault("assembleDebug"),
		},
		nil,
	)
}

func (t *AndroidBuildTool) SideEffect() shuttle.SideEffect { return shuttle.SideEffectFilesystem }
func (t *AndroidBuildTool) Platform() string               { return "android" }
func (t *AndroidBuildTool) DefaultTimeout() time.Duration  { return 900 * time.Second }

func (t *AndroidBuildTool) Execute(ctx context.Context, params map[string]interface{}) (*shuttle.Result, error) {
	task := "assembleDebug"
	if v, ok := params["task"].(string); ok && v != "" {
		task = v
	}
	return runBuild(ctx, t.workdir, []string{"./gradlew", task})
}

func runBuild(ctx context.Context, workdir string, argv []string) (*shuttle.Result, error) {
	if len(argv) == 0 {
		return &shuttle.Result{
			Success: false,
			Error:   shuttle.NewError(shuttle.ErrCodeInvalidArguments, "no build command configured"),
		}, nil
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	output := out.String()
	if len(output) > 16384 {
		output = output[len(output)-16384:]
	}

	if err != nil {
		return &shuttle.Result{
			Success: false,
			Data:    output,
			Error: shuttle.NewError("build_failed", fmt.Sprintf("build command failed: %v", err)).
				WithRetryable(),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	return &shuttle.Result{
		Success:         true,
		Data:            output,
		Metadata:        map[string]interface{}{"command": argv},
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

var (
	_ shuttle.TimeoutTool  = (*BuildTool)(nil)
	_ shuttle.PlatformTool = (*AndroidBuildTool)(nil)
	_ shuttle.TimeoutTool  = (*AndroidBuildTool)(nil)
)
