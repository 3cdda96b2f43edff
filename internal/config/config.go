// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config resolves core runtime configuration from the environment
// and an optional config file. Only the documented variables are read;
// everything else is component-level configuration passed explicitly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Core holds the tunables recognized by the orchestration core.
type Core struct {
	// AdmissionConcurrency is the number of missions allowed to run at once.
	AdmissionConcurrency int64 `mapstructure:"admission_concurrency"`

	// LLMRateLimitRPM is the per-provider request budget per minute.
	LLMRateLimitRPM int `mapstructure:"llm_rate_limit_rpm"`

	// LLMTokenWindow is the per-provider token budget per 60s window.
	LLMTokenWindow int64 `mapstructure:"llm_token_window"`

	// LLMProviderCooldown is how long a 429ing provider is skipped.
	LLMProviderCooldown time.Duration `mapstructure:"-"`

	// PatternDefaultTimeout bounds a single pattern run.
	PatternDefaultTimeout time.Duration `mapstructure:"-"`

	// ExecutorMaxRounds caps tool rounds within one agent turn.
	ExecutorMaxRounds int `mapstructure:"executor_max_rounds"`

	// AdversarialL1Enabled toggles the semantic review stage.
	AdversarialL1Enabled bool `mapstructure:"adversarial_l1_enabled"`

	// DarwinWarmupRuns is the per-key uniform-exploration threshold.
	DarwinWarmupRuns int `mapstructure:"darwin_warmup_runs"`

	// DarwinABDelta is the sampled-score distance that triggers a shadow run.
	DarwinABDelta float64 `mapstructure:"darwin_ab_delta"`

	// DarwinABRandomP is the per-mission probability of a random shadow run.
	DarwinABRandomP float64 `mapstructure:"darwin_ab_random_p"`

	// DBPath is the SQLite database location.
	DBPath string `mapstructure:"db_path"`
}

// Default returns the documented defaults.
func Default() Core {
	return Core{
		AdmissionConcurrency:  1,
		LLMRateLimitRPM:       15,
		LLMTokenWindow:        100000,
		LLMProviderCooldown:   90 * time.Second,
		PatternDefaultTimeout: 30 * time.Minute,
		ExecutorMaxRounds:     15,
		AdversarialL1Enabled:  true,
		DarwinWarmupRuns:      5,
		DarwinABDelta:         10,
		DarwinABRandomP:       0.1,
		DBPath:                "tapestry.db",
	}
}

// Load resolves configuration from the environment (and configFile when
// non-empty). Environment variables use the documented upper-case names,
// e.g. ADMISSION_CONCURRENCY, LLM_RATE_LIMIT_RPM.
func Load(configFile string) (Core, error) {
	v := viper.New()

	cfg := Default()
	v.SetDefault("admission_concurrency", cfg.AdmissionConcurrency)
	v.SetDefault("llm_rate_limit_rpm", cfg.LLMRateLimitRPM)
	v.SetDefault("llm_token_window", cfg.LLMTokenWindow)
	v.SetDefault("llm_provider_cooldown_s", int(cfg.LLMProviderCooldown.Seconds()))
	v.SetDefault("pattern_default_timeout_s", int(cfg.PatternDefaultTimeout.Seconds()))
	v.SetDefault("executor_max_rounds", cfg.ExecutorMaxRounds)
	v.SetDefault("adversarial_l1_enabled", cfg.AdversarialL1Enabled)
	v.SetDefault("darwin_warmup_runs", cfg.DarwinWarmupRuns)
	v.SetDefault("darwin_ab_delta", cfg.DarwinABDelta)
	v.SetDefault("darwin_ab_random_p", cfg.DarwinABRandomP)
	v.SetDefault("db_path", cfg.DBPath)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Core{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	out := Core{
		AdmissionConcurrency:  v.GetInt64("admission_concurrency"),
		LLMRateLimitRPM:       v.GetInt("llm_rate_limit_rpm"),
		LLMTokenWindow:        v.GetInt64("llm_token_window"),
		LLMProviderCooldown:   time.Duration(v.GetInt("llm_provider_cooldown_s")) * time.Second,
		PatternDefaultTimeout: time.Duration(v.GetInt("pattern_default_timeout_s")) * time.Second,
		ExecutorMaxRounds:     v.GetInt("executor_max_rounds"),
		AdversarialL1Enabled:  v.GetBool("adversarial_l1_enabled"),
		DarwinWarmupRuns:      v.GetInt("darwin_warmup_runs"),
		DarwinABDelta:         v.GetFloat64("darwin_ab_delta"),
		DarwinABRandomP:       v.GetFloat64("darwin_ab_random_p"),
		DBPath:                v.GetString("db_path"),
	}

	if err := out.Validate(); err != nil {
		return Core{}, err
	}
	return out, nil
}

// Validate rejects configurations the orchestrator cannot honor.
func (c Core) Validate() error {
	if c.AdmissionConcurrency < 1 {
		return fmt.Errorf("admission_concurrency must be >= 1, got %d", c.AdmissionConcurrency)
	}
	if c.LLMRateLimitRPM < 1 {
		return fmt.Errorf("llm_rate_limit_rpm must be >= 1, got %d", c.LLMRateLimitRPM)
	}
	if c.ExecutorMaxRounds < 1 {
		return fmt.Errorf("executor_max_rounds must be >= 1, got %d", c.ExecutorMaxRounds)
	}
	if c.DarwinABRandomP < 0 || c.DarwinABRandomP > 1 {
		return fmt.Errorf("darwin_ab_random_p must be in [0,1], got %f", c.DarwinABRandomP)
	}
	return nil
}
