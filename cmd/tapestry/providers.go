// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/teradata-labs/tapestry/internal/config"
	"github.com/teradata-labs/tapestry/pkg/llm"
	"github.com/teradata-labs/tapestry/pkg/llm/anthropic"
	"github.com/teradata-labs/tapestry/pkg/llm/bedrock"
	"github.com/teradata-labs/tapestry/pkg/llm/ollama"
	"github.com/teradata-labs/tapestry/pkg/llm/openai"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// buildLLMClient assembles the provider chains from the environment.
// Hosted providers join their category chains only when credentials
// are present; ollama is always last so development works offline.
func buildLLMClient(ctx context.Context, cfg config.Core, store *storage.Store, logger *zap.Logger) (*llm.Client, error) {
	var heavy, light []types.LLMProvider

	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		heavyModel, err := anthropic.NewClient(anthropic.Config{Model: "claude-sonnet-4-5"})
		if err != nil {
			return nil, err
		}
		lightModel, err := anthropic.NewClient(anthropic.Config{Model: "claude-haiku-4-5"})
		if err != nil {
			return nil, err
		}
		heavy = append(heavy, heavyModel)
		light = append(light, lightModel)
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		heavyModel, err := openai.NewClient(openai.Config{Model: "gpt-4o"})
		if err != nil {
			return nil, err
		}
		lightModel, err := openai.NewClient(openai.Config{Model: "gpt-4o-mini"})
		if err != nil {
			return nil, err
		}
		heavy = append(heavy, heavyModel)
		light = append(light, lightModel)
	}
	if os.Getenv("BEDROCK_MODEL_ID") != "" {
		b, err := bedrock.NewClient(ctx, bedrock.Config{})
		if err != nil {
			return nil, fmt.Errorf("bedrock provider: %w", err)
		}
		heavy = append(heavy, b)
	}

	local := ollama.NewClient(ollama.Config{})
	heavy = append(heavy, local)
	light = append(light, local)

	chains := map[types.ModelCategory][]types.LLMProvider{
		types.ModelHeavyReasoning:  heavy,
		types.ModelHeavyProduction: heavy,
		types.ModelLightReasoning:  light,
		types.ModelLightProduction: light,
		types.ModelRedaction:       light,
	}
	return llm.NewClient(llm.Config{
		Chains:           chains,
		Default:          light,
		CooldownDuration: cfg.LLMProviderCooldown,
		RateLimiter: llm.RateLimiterConfig{
			RequestsPerMinute: float64(cfg.LLMRateLimitRPM),
			TokensPerMinute:   cfg.LLMTokenWindow,
		},
		TraceSink: store,
		Logger:    logger,
	})
}
