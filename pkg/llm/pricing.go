// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import "strings"

// modelPricing holds micro-USD per million tokens. Integer all the way;
// accounting never touches floats.
type modelPricing struct {
	inputPerMTok  int64
	outputPerMTok int64
}

// pricing is keyed by model id prefix; longest match wins. Unknown
// models cost zero rather than guessing.
var pricing = map[string]modelPricing{
	"claude-opus":      {15_000_000, 75_000_000},
	"claude-sonnet":    {3_000_000, 15_000_000},
	"claude-haiku":     {800_000, 4_000_000},
	"gpt-5":            {1_250_000, 10_000_000},
	"gpt-4o":           {2_500_000, 10_000_000},
	"gpt-4o-mini":      {150_000, 600_000},
	"anthropic.claude": {3_000_000, 15_000_000},
}

// CostMicroUSD computes the integer micro-USD cost of a call.
func CostMicroUSD(model string, inputTokens, outputTokens int) int64 {
	var best string
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := pricing[best]
	return int64(inputTokens)*p.inputPerMTok/1_000_000 +
		int64(outputTokens)*p.outputPerMTok/1_000_000
}
