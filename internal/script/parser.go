/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package script parses Ren'Py-style visual novel scripts into a choice
// tree. The parser is structural, not semantic: it keys off label, if/elif/
// else and menu statements plus indentation, and treats everything else as
// opaque action content. Malformed input never fails the parse; unmatched
// constructs simply fold into Action nodes.
package script

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrRead marks a script source that could not be read at all. Parse
// failures do not exist; this is the only error the parser surfaces.
var ErrRead = errors.New("script source unavailable")

// Parser holds the line sequence of one script while building its tree.
// A Parser is single-use and not safe for concurrent parsing.
type Parser struct {
	lines []string
}

// ParseFile reads the script at path and parses it. The returned error
// wraps ErrRead when the file cannot be read.
func ParseFile(path string) (*ChoiceNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return ParseString(string(data)), nil
}

// ParseString parses script source held in memory.
func ParseString(src string) *ChoiceNode {
	return ParseLines(SplitLines(src))
}

// ParseLines parses an already-split line sequence. Line indices in the
// resulting tree refer into this slice.
func ParseLines(lines []string) *ChoiceNode {
	p := &Parser{lines: lines}
	return p.parse()
}

// SplitLines splits source into lines the way the parser counts them:
// on "\n", tolerating "\r\n" endings, with a single trailing newline not
// producing a phantom empty line.
func SplitLines(src string) []string {
	lines := strings.Split(src, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// parse builds the tree root. The root is synthetic: a LabelBlock named
// "root" spanning the whole file, with one child LabelBlock per label
// statement in source order. Lines before the first label belong to no node.
func (p *Parser) parse() *ChoiceNode {
	root := &ChoiceNode{
		Kind:      LabelBlock,
		Label:     "root",
		StartLine: 0,
		EndLine:   max(0, len(p.lines)-1),
		Children:  []*ChoiceNode{},
	}
	i := 0
	for i < len(p.lines) {
		ok, name := IsLabel(p.lines[i])
		if !ok {
			i++
			continue
		}
		label := &ChoiceNode{Kind: LabelBlock, Label: name, StartLine: i, Children: []*ChoiceNode{}}
		i = p.parseLabelBody(i, label)
		root.Children = append(root.Children, label)
		i++
	}
	return root
}

// parseLabelBody consumes everything indented under the label line at index
// and attaches the resulting segment/control nodes as children. It returns
// the index of the last line belonging to the label.
func (p *Parser) parseLabelBody(index int, label *ChoiceNode) int {
	index++
	seg := &ChoiceNode{Kind: Action, StartLine: index, Children: []*ChoiceNode{}}
	for {
		more, next := p.parseBlock(index, 1, seg)
		index = next
		if !more {
			break
		}
		seg.Label = p.synthesizeLabel(seg)
		label.Children = append(label.Children, seg)
		index++
		seg = &ChoiceNode{Kind: Action, StartLine: index, Children: []*ChoiceNode{}}
	}
	if seg.EndLine >= seg.StartLine {
		seg.Label = p.synthesizeLabel(seg)
		label.Children = append(label.Children, seg)
	}
	if index < label.StartLine {
		index = label.StartLine
	}
	label.EndLine = index
	return index
}

// parseBlock scans one segment at the given indent level into current.
// It returns (true, index) when the segment ended because a sibling still
// follows at this level (a control statement was consumed, or one begins on
// the next segment), and (false, index) when the enclosing block is done
// (dedent or end of input). index is always the last line consumed.
func (p *Parser) parseBlock(index, indentLevel int, current *ChoiceNode) (bool, int) {
	for index < len(p.lines) {
		line := p.lines[index]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			index++
			continue
		}
		if IndentLevel(line) < indentLevel {
			index--
			current.EndLine = index
			return false, index
		}
		if !IsStatement(trimmed) {
			index++
			continue
		}
		if current.StartLine != index {
			// Close the plain segment just before the statement; the
			// caller re-enters with a fresh node starting on it.
			index--
			current.EndLine = index
			return true, index
		}
		switch {
		case IsIfStatement(trimmed):
			index = p.parseStatement(index, current, IndentLevel(line), IfBlock)
			return true, index
		case IsMenuStatement(trimmed):
			index = p.parseMenu(index, current, IndentLevel(line))
			return true, index
		default:
			// Stray elif/else without a preceding if at this level is
			// treated as plain content.
			index++
		}
	}
	index--
	current.EndLine = index
	return false, index
}

// parseStatement parses a control statement line (if, elif, or a menu
// option) at index plus its indented body, then scans for an elif/else
// continuation at the same indent. node becomes the control node; its body
// segments become children and any continuation lands in FalseBranch.
// Returns the index of the last line consumed.
func (p *Parser) parseStatement(index int, node *ChoiceNode, indent int, kind NodeKind) int {
	node.Kind = kind
	node.EndLine = index
	index++
	seg := &ChoiceNode{Kind: Action, StartLine: index, Children: []*ChoiceNode{}}
	for {
		more, next := p.parseBlock(index, indent+1, seg)
		index = next
		if seg.EndLine >= seg.StartLine {
			seg.Label = p.synthesizeLabel(seg)
			node.Children = append(node.Children, seg)
		}
		if !more {
			break
		}
		index++
		seg = &ChoiceNode{Kind: Action, StartLine: index, Children: []*ChoiceNode{}}
	}
	if index > node.EndLine {
		node.EndLine = index
	}
	if kind == IfBlock {
		index = p.parseFalseBranch(index, node, indent)
	}
	return index
}

// parseFalseBranch looks past the if body for an elif or else at the same
// indent. A chained elif becomes a nested IfBlock appended to FalseBranch
// (further elifs chain through that node in turn); an else contributes its
// body nodes to FalseBranch directly. Lines consumed extend node's range.
func (p *Parser) parseFalseBranch(index int, node *ChoiceNode, indent int) int {
	for index+1 < len(p.lines) {
		index++
		line := p.lines[index]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if IndentLevel(line) != indent {
			index--
			break
		}
		switch {
		case IsElifStatement(trimmed):
			branch := &ChoiceNode{StartLine: index, Children: []*ChoiceNode{}}
			index = p.parseStatement(index, branch, indent, IfBlock)
			branch.Label = p.synthesizeLabel(branch)
			node.FalseBranch = append(node.FalseBranch, branch)
		case IsElseStatement(trimmed):
			index++
			seg := &ChoiceNode{Kind: Action, StartLine: index, Children: []*ChoiceNode{}}
			for {
				more, next := p.parseBlock(index, indent+1, seg)
				index = next
				if seg.EndLine >= seg.StartLine {
					seg.Label = p.synthesizeLabel(seg)
					node.FalseBranch = append(node.FalseBranch, seg)
				}
				if !more {
					break
				}
				index++
				seg = &ChoiceNode{Kind: Action, StartLine: index, Children: []*ChoiceNode{}}
			}
		default:
			index--
		}
		break
	}
	if index > node.EndLine {
		node.EndLine = index
	}
	return index
}

// parseMenu parses a menu statement into node. Each quoted line ending in a
// colon under the menu opens a MenuOption child labeled by the quoted text;
// anything else indented under the menu is skipped over but stays inside
// the menu's line range. Returns the index of the last line consumed.
func (p *Parser) parseMenu(index int, node *ChoiceNode, indent int) int {
	node.Kind = MenuBlock
	node.EndLine = index
	index++
	for index < len(p.lines) {
		line := p.lines[index]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			index++
			continue
		}
		optIndent := IndentLevel(line)
		if optIndent <= indent {
			index--
			break
		}
		if strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, ":") {
			opt := &ChoiceNode{
				Kind:      MenuOption,
				Label:     strings.TrimSpace(strings.TrimSuffix(trimmed, ":")),
				StartLine: index,
				Children:  []*ChoiceNode{},
			}
			index = p.parseStatement(index, opt, optIndent, MenuOption)
			node.Children = append(node.Children, opt)
			if index > node.EndLine {
				node.EndLine = index
			}
			index++
			continue
		}
		if index > node.EndLine {
			node.EndLine = index
		}
		index++
	}
	if index >= len(p.lines) {
		index = len(p.lines) - 1
	}
	if index > node.EndLine {
		node.EndLine = index
	}
	return index
}
