// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/teradata-labs/tapestry/pkg/types"
)

// TokenCounter estimates token counts for rate limiting and fitness
// accounting. Uses the cl100k_base encoding; when the encoding cannot be
// loaded it falls back to the chars/4 heuristic.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a token counter. Encoding load is deferred to
// the first count.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

func (c *TokenCounter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	return c.enc
}

// Count estimates the token count of a string.
func (c *TokenCounter) Count(s string) int {
	if s == "" {
		return 0
	}
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return len(s)/4 + 1
}

// CountMessages estimates the token count of a conversation, including a
// small per-message framing overhead.
func (c *TokenCounter) CountMessages(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += c.Count(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Name) + 8
		}
	}
	return total
}
