/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package script

import (
	"regexp"
	"strings"
)

const (
	// labelEllipsis separates excerpted head and tail lines in long labels.
	labelEllipsis = "<...>"
	// labelMaxLen caps synthesized label length before the "..." suffix.
	labelMaxLen = 100
	// labelMinLen is the threshold below which a summary falls back to the
	// full joined content.
	labelMinLen = 20
)

// dialogueRE matches a line that reads like dialogue: an optional speaker
// token followed by a double-quoted string.
var dialogueRE = regexp.MustCompile(`^(?:[A-Za-z_][A-Za-z0-9_.]*\s+)?".*"$`)

// tagRE matches inline text tags like {i}, {/i}, {w=0.5}.
var tagRE = regexp.MustCompile(`\{[^{}]*\}`)

// synthesizeLabel derives a display label for node from the lines it spans.
// Control nodes are labeled by their opening statement minus the colon.
// Plain segments get a content summary: short segments join all their
// non-blank lines, long segments are excerpted around dialogue. Inline
// {...} tags are stripped except on IfBlock and MenuOption nodes, whose
// condition and choice text stay verbatim. A node whose range falls outside
// the source gets an empty label.
func (p *Parser) synthesizeLabel(node *ChoiceNode) string {
	start, end := node.StartLine, node.EndLine
	if start < 0 || start >= len(p.lines) || end < start {
		return ""
	}
	if end >= len(p.lines) {
		end = len(p.lines) - 1
	}

	var label string
	first := strings.TrimSpace(p.lines[start])
	if IsStatement(first) && strings.HasSuffix(first, ":") {
		label = strings.TrimSpace(strings.TrimSuffix(first, ":"))
	} else {
		label = p.summarize(start, end)
	}
	if node.Kind != IfBlock && node.Kind != MenuOption {
		label = tagRE.ReplaceAllString(label, "")
	}
	return truncateLabel(label)
}

// summarize condenses the lines in [start, end] to a label body.
func (p *Parser) summarize(start, end int) string {
	var nonBlank []int
	for i := start; i <= end; i++ {
		if strings.TrimSpace(p.lines[i]) != "" {
			nonBlank = append(nonBlank, i)
		}
	}
	if len(nonBlank) == 0 {
		return ""
	}
	var out string
	if end-start+1 <= 4 {
		out = p.joinTrimmed(nonBlank)
	} else {
		out = p.excerpt(nonBlank)
	}
	if len(out) < labelMinLen {
		out = p.joinTrimmed(nonBlank)
	}
	return out
}

// excerpt picks up to two leading and two trailing dialogue lines from the
// non-blank set, falling back to the first and last three lines when the
// segment holds no dialogue at all. An ellipsis marks omitted middle lines.
func (p *Parser) excerpt(nonBlank []int) string {
	var lead, tail []int
	for _, i := range nonBlank {
		if len(lead) == 2 {
			break
		}
		if dialogueRE.MatchString(strings.TrimSpace(p.lines[i])) {
			lead = append(lead, i)
		}
	}
	for j := len(nonBlank) - 1; j >= 0 && len(tail) < 2; j-- {
		i := nonBlank[j]
		if dialogueRE.MatchString(strings.TrimSpace(p.lines[i])) {
			tail = append([]int{i}, tail...)
		}
	}
	if len(lead) == 0 && len(tail) == 0 {
		if len(nonBlank) > 3 {
			lead = nonBlank[:3]
		} else {
			lead = nonBlank
		}
		if len(nonBlank) > 3 {
			tail = nonBlank[len(nonBlank)-3:]
		}
	}

	// Drop tail lines the lead already covers. The fallback slices above
	// alias nonBlank, so the filter must not write in place.
	if len(lead) > 0 {
		kept := make([]int, 0, len(tail))
		for _, i := range tail {
			if i > lead[len(lead)-1] {
				kept = append(kept, i)
			}
		}
		tail = kept
	}

	parts := make([]string, 0, len(lead)+len(tail)+1)
	for _, i := range lead {
		parts = append(parts, strings.TrimSpace(p.lines[i]))
	}
	if len(lead) > 0 && len(tail) > 0 && tail[0] > lead[len(lead)-1]+1 {
		parts = append(parts, labelEllipsis)
	}
	for _, i := range tail {
		parts = append(parts, strings.TrimSpace(p.lines[i]))
	}
	return strings.Join(parts, "\n")
}

func (p *Parser) joinTrimmed(idx []int) string {
	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, strings.TrimSpace(p.lines[i]))
	}
	return strings.Join(parts, "\n")
}

func truncateLabel(s string) string {
	r := []rune(s)
	if len(r) <= labelMaxLen {
		return s
	}
	return string(r[:labelMaxLen]) + "..."
}
