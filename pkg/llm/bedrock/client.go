// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package bedrock implements the LLMProvider interface for Claude
// models hosted on AWS Bedrock. It runs the Anthropic SDK over an
// AWS-signed transport, so message and tool handling stays identical to
// the direct Anthropic provider.
package bedrock

import (
	"context"
	"fmt"
	"os"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	anthropicprovider "github.com/teradata-labs/tapestry/pkg/llm/anthropic"
	"github.com/teradata-labs/tapestry/pkg/types"
)

const (
	// DefaultModelID is the default Bedrock model, cross-region inference
	// profile form.
	DefaultModelID = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"
	// DefaultRegion is the default AWS region.
	DefaultRegion = "us-west-2"
	// DefaultMaxTokens is the default completion cap.
	DefaultMaxTokens = 4096
	// DefaultTemperature is the default sampling temperature.
	DefaultTemperature = 1.0
)

// Config holds configuration for the Bedrock client. Credentials
// resolve in order: explicit keys, named profile, default chain.
type Config struct {
	ModelID string
	Region  string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string

	MaxTokens   int
	Temperature float64
}

// Client implements types.LLMProvider for AWS Bedrock.
type Client struct {
	*anthropicprovider.Client
	modelID string
	region  string
}

// NewClient creates a Bedrock client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ModelID == "" {
		if envModel := os.Getenv("BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else {
			cfg.ModelID = DefaultModelID
		}
	}
	if cfg.Region == "" {
		if envRegion := os.Getenv("AWS_DEFAULT_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else {
			cfg.Region = DefaultRegion
		}
	}

	var awsCfg aws.Config
	var err error
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	case cfg.Profile != "":
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithSharedConfigProfile(cfg.Profile))
	default:
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// bedrock.WithConfig handles AWS signing and endpoint selection.
	sdkClient := sdk.NewClient(bedrock.WithConfig(awsCfg))

	return &Client{
		Client:  anthropicprovider.NewFromSDKClient(sdkClient, cfg.ModelID, cfg.MaxTokens, cfg.Temperature),
		modelID: cfg.ModelID,
		region:  cfg.Region,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return "bedrock" }

// Region returns the configured AWS region.
func (c *Client) Region() string { return c.region }

var _ types.LLMProvider = (*Client)(nil)
