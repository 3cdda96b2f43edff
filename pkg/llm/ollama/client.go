// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package ollama implements the LLMProvider interface for a local
// Ollama server. Intended for development and offline runs; calls are
// free and never count toward mission cost.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teradata-labs/tapestry/pkg/shuttle"
	"github.com/teradata-labs/tapestry/pkg/types"
)

const (
	// DefaultEndpoint is the local Ollama server.
	DefaultEndpoint = "http://localhost:11434"
	// DefaultModel is the default local model.
	DefaultModel = "llama3.1"
	// DefaultTimeout bounds one HTTP round trip. Local inference is slow
	// on CPU, so this is generous.
	DefaultTimeout = 120 * time.Second
	// DefaultTemperature is the default sampling temperature.
	DefaultTemperature = 0.8
)

// toolSupportedModels lists model families with native tool calling.
var toolSupportedModels = []string{
	"llama3.3", "llama3.2", "llama3.1",
	"qwen2.5", "qwen2.5-coder",
	"mistral", "mixtral",
	"deepseek-r1", "functionary",
}

// Config holds configuration for the Ollama client.
type Config struct {
	Endpoint    string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client implements types.LLMProvider for Ollama.
type Client struct {
	endpoint    string
	model       string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
}

// NewClient creates an Ollama client.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens(cfg.Model)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

// defaultMaxTokens picks a completion cap by model size. Small local
// models degrade on long outputs.
func defaultMaxTokens(model string) int {
	m := strings.ToLower(model)
	if strings.Contains(m, "70b") || strings.Contains(m, "72b") || strings.Contains(m, "405b") {
		return 8192
	}
	if strings.Contains(m, "13b") || strings.Contains(m, "14b") ||
		strings.Contains(m, "20b") || strings.Contains(m, "32b") {
		return 6144
	}
	return 4096
}

// Name returns the provider name.
func (c *Client) Name() string { return "ollama" }

// Model returns the model identifier.
func (c *Client) Model() string { return c.model }

// supportsNativeTools reports whether the model family handles the
// native tools field.
func (c *Client) supportsNativeTools() bool {
	for _, base := range toolSupportedModels {
		if strings.HasPrefix(c.model, base) {
			return true
		}
	}
	return false
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string      `json:"name"`
		Arguments interface{} `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string              `json:"name"`
		Description string              `json:"description,omitempty"`
		Parameters  *shuttle.JSONSchema `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Tools    []chatTool             `json:"tools,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	EvalDuration    int64       `json:"eval_duration"`
}

// Chat sends a conversation to Ollama and returns the response.
func (c *Client) Chat(ctx context.Context, messages []types.Message, tools []shuttle.Tool) (*types.LLMResponse, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: c.convertMessages(messages),
		Stream:   false,
		Options: map[string]interface{}{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	}
	if c.supportsNativeTools() && len(tools) > 0 {
		req.Tools = convertTools(tools)
	}

	resp, err := c.callAPI(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ollama API call failed: %w", err)
	}
	return c.convertResponse(resp), nil
}

func (c *Client) convertMessages(messages []types.Message) []chatMessage {
	var apiMessages []chatMessage
	for _, msg := range messages {
		switch msg.Role {
		case "system", "user", "assistant":
			apiMessages = append(apiMessages, chatMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		case "tool":
			if c.supportsNativeTools() {
				apiMessages = append(apiMessages, chatMessage{
					Role:    "tool",
					Content: msg.Content,
				})
			} else {
				apiMessages = append(apiMessages, chatMessage{
					Role:    "user",
					Content: fmt.Sprintf("Tool result: %s", msg.Content),
				})
			}
		}
	}
	return apiMessages
}

func convertTools(tools []shuttle.Tool) []chatTool {
	out := make([]chatTool, len(tools))
	for i, tool := range tools {
		out[i].Type = "function"
		out[i].Function.Name = tool.Name()
		out[i].Function.Description = tool.Description()
		out[i].Function.Parameters = tool.InputSchema()
	}
	return out
}

// cleanJSONString strips backticks and "json" markers local models
// habitually wrap arguments in.
func cleanJSONString(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		s = strings.Trim(s, "`")
	}
	if rest, ok := strings.CutPrefix(s, "json"); ok {
		if trimmed := strings.TrimSpace(rest); strings.HasPrefix(trimmed, "{") {
			s = trimmed
		}
	}
	return s
}

func (c *Client) convertResponse(resp *chatResponse) *types.LLMResponse {
	var toolCalls []types.ToolCall
	for i, tc := range resp.Message.ToolCalls {
		var params map[string]interface{}
		switch args := tc.Function.Arguments.(type) {
		case string:
			if err := json.Unmarshal([]byte(cleanJSONString(args)), &params); err != nil {
				params = make(map[string]interface{})
			}
		case map[string]interface{}:
			params = args
		default:
			params = make(map[string]interface{})
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		toolCalls = append(toolCalls, types.ToolCall{
			ID:    id,
			Name:  tc.Function.Name,
			Input: params,
		})
	}

	stopReason := "end_turn"
	if len(toolCalls) > 0 {
		stopReason = "tool_use"
	}
	return &types.LLMResponse{
		Content:    resp.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage: types.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
			TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
			CostMicroUSD: 0,
		},
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"eval_duration": resp.EvalDuration,
		},
	}
}

func (c *Client) callAPI(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

var _ types.LLMProvider = (*Client)(nil)
