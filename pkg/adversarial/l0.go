// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package adversarial

import (
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Pattern families and their per-hit scores.
const (
	FamilySlop          = "SLOP"
	FamilyMock          = "MOCK"
	FamilyFakeBuild     = "FAKE_BUILD"
	FamilyHallucination = "HALLUCINATION"
	FamilyLie           = "LIE"
	FamilyStackMismatch = "STACK_MISMATCH"
	FamilyTooShort      = "TOO_SHORT"
	FamilyEcho          = "ECHO"
	FamilyRepetition    = "REPETITION"
)

const (
	scoreSlop          = 3
	scoreMock          = 3
	scoreFakeBuild     = 7
	scoreHallucination = 7
	scoreLie           = 7
	scoreStackMismatch = 7
	scoreLowSignal     = 2 // TOO_SHORT / ECHO / REPETITION

	// slopScaleThreshold: this many slop hits flips SLOP into an
	// always-reject.
	slopScaleThreshold = 3

	// minOutputChars is the TOO_SHORT floor.
	minOutputChars = 20

	// echoSimilarity is the prompt-mirroring cutoff.
	echoSimilarity = 0.90

	// repetitionSimilarity is the self-repeat cutoff between output halves.
	repetitionSimilarity = 0.85
)

// Finding is one catalogue hit.
type Finding struct {
	Family string `json:"family"`
	Detail string `json:"detail"`
	Score  int    `json:"score"`
}

var slopPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)lorem ipsum`),
	regexp.MustCompile(`(?i)\bplaceholder\b`),
	regexp.MustCompile(`(?i)\bTBD\b`),
	regexp.MustCompile(`XXX`),
	regexp.MustCompile(`(?i)\[insert .{0,40}here\]`),
}

var mockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)TODO[:\s]+implement`),
	regexp.MustCompile(`NotImplementedError`),
	regexp.MustCompile(`(?i)\bnot (yet )?implemented\b`),
	regexp.MustCompile(`(?i)\bstub(bed)? (out|implementation)\b`),
}

var fakeBuildPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)echo ["']?BUILD SUCCESS`),
	regexp.MustCompile(`(?i)(printf|print|println)\s*\(?["']BUILD (SUCCESS|SUCCESSFUL|PASSED)`),
	regexp.MustCompile(`(?i)placeholder build`),
	regexp.MustCompile(`(?i)fake (the )?build`),
}

// toolClaimPatterns pair an "I did X" claim with the tool family that
// must have a call record backing it.
var toolClaimPatterns = []struct {
	re       *regexp.Regexp
	toolHint string
}{
	{regexp.MustCompile(`(?i)\bI (ran|executed|invoked) the (build|tests?|linter)\b`), "build"},
	{regexp.MustCompile(`(?i)\b(build|compilation) (succeeded|passed|completed successfully)\b`), "build"},
	{regexp.MustCompile(`(?i)\ball tests? (pass|passed|are passing|green)\b`), "build"},
	{regexp.MustCompile(`(?i)\bI (wrote|created|updated|modified) the file\b`), "workspace"},
	{regexp.MustCompile(`(?i)\bI deployed\b`), "deploy"},
}

// foreignMarkers maps a declared platform to language markers that do
// not belong there.
var foreignMarkers = map[string][]*regexp.Regexp{
	"android": {
		regexp.MustCompile(`\bimport SwiftUI\b`),
		regexp.MustCompile(`\bUIViewController\b`),
		regexp.MustCompile(`(?m)^\s*func .+\s*->\s*some View\b`),
		regexp.MustCompile(`\b#import\s+<`),
	},
	"ios": {
		regexp.MustCompile(`\bimport android\.`),
		regexp.MustCompile(`\bAppCompatActivity\b`),
		regexp.MustCompile(`\bR\.layout\.`),
	},
	"angular": {
		regexp.MustCompile(`\bimport React\b`),
		regexp.MustCompile(`\buseState\s*\(`),
		regexp.MustCompile(`\bReactDOM\b`),
	},
	"react": {
		regexp.MustCompile(`@Component\s*\(\s*\{`),
		regexp.MustCompile(`\bNgModule\b`),
	},
}

// filePathPattern extracts file-looking references for the LIE check.
var filePathPattern = regexp.MustCompile(`\b[\w./-]+/[\w.-]+\.(go|java|kt|kts|swift|ts|tsx|js|py|rb|xml|gradle|json|yaml|yml|toml|md|sql|proto)\b`)

// l0Scan runs the deterministic catalogue over one turn.
func (g *Guard) l0Scan(turn *Turn) []Finding {
	var findings []Finding
	out := turn.Output

	add := func(family, detail string, score int) {
		findings = append(findings, Finding{Family: family, Detail: detail, Score: score})
	}

	for _, re := range slopPatterns {
		if m := re.FindString(out); m != "" {
			add(FamilySlop, m, scoreSlop)
		}
	}
	for _, re := range mockPatterns {
		if m := re.FindString(out); m != "" {
			add(FamilyMock, m, scoreMock)
		}
	}
	for _, re := range fakeBuildPatterns {
		if m := re.FindString(out); m != "" {
			add(FamilyFakeBuild, m, scoreFakeBuild)
		}
	}
	if f := trivialWrapperScript(out); f != "" {
		add(FamilyFakeBuild, f, scoreFakeBuild)
	}

	for _, claim := range toolClaimPatterns {
		if m := claim.re.FindString(out); m != "" && !turn.hasToolRecord(claim.toolHint) {
			add(FamilyHallucination, m, scoreHallucination)
		}
	}

	if g.files != nil {
		for _, ref := range referencedPaths(out) {
			if !g.files.Exists(ref) {
				add(FamilyLie, ref, scoreLie)
			}
		}
	}

	if markers, ok := foreignMarkers[platformKey(turn.Technology)]; ok {
		for _, re := range markers {
			if m := re.FindString(out); m != "" {
				add(FamilyStackMismatch, m, scoreStackMismatch)
			}
		}
	}

	trimmed := strings.TrimSpace(out)
	if len(trimmed) < minOutputChars {
		add(FamilyTooShort, trimmed, scoreLowSignal)
	} else {
		if turn.Prompt != "" && similarity(trimmed, turn.Prompt) >= echoSimilarity {
			add(FamilyEcho, "output mirrors the prompt", scoreLowSignal)
		}
		if selfRepeats(trimmed) {
			add(FamilyRepetition, "output repeats itself", scoreLowSignal)
		}
	}

	return findings
}

// trivialWrapperScript flags shell snippets under 50 chars that claim a
// build outcome without running anything.
func trivialWrapperScript(out string) string {
	for _, block := range codeBlocks(out) {
		b := strings.TrimSpace(block)
		if len(b) > 0 && len(b) < 50 &&
			strings.Contains(strings.ToLower(b), "success") &&
			strings.Contains(b, "echo") {
			return b
		}
	}
	return ""
}

// codeBlocks extracts fenced code block bodies.
func codeBlocks(s string) []string {
	var blocks []string
	parts := strings.Split(s, "```")
	for i := 1; i < len(parts); i += 2 {
		body := parts[i]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		blocks = append(blocks, body)
	}
	return blocks
}

// referencedPaths extracts deduplicated file references from the output.
func referencedPaths(out string) []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, m := range filePathPattern.FindAllString(out, 25) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		paths = append(paths, m)
	}
	return paths
}

// platformKey normalizes a technology tag ("angular_19") to its marker
// table key.
func platformKey(technology string) string {
	t := strings.ToLower(technology)
	for key := range foreignMarkers {
		if strings.HasPrefix(t, key) {
			return key
		}
	}
	return t
}

// similarity is 1 - levenshtein/maxlen over a character diff.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1.0
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	dist := dmp.DiffLevenshtein(diffs)
	return 1.0 - float64(dist)/float64(longest)
}

// selfRepeats compares the two halves of the output.
func selfRepeats(out string) bool {
	if len(out) < 2*minOutputChars {
		return false
	}
	mid := len(out) / 2
	return similarity(out[:mid], out[mid:]) >= repetitionSimilarity
}
