/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package script

import (
	"encoding/json"
	"fmt"
)

// NodeKind discriminates the semantics of a ChoiceNode.
type NodeKind int

const (
	Action NodeKind = iota
	LabelBlock
	IfBlock
	ElseBlock
	MenuBlock
	MenuOption
)

var kindNames = [...]string{
	Action:     "Action",
	LabelBlock: "LabelBlock",
	IfBlock:    "IfBlock",
	ElseBlock:  "ElseBlock",
	MenuBlock:  "MenuBlock",
	MenuOption: "MenuOption",
}

func (k NodeKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// MarshalJSON serializes the kind as its wire name ("Action", "IfBlock", ...).
func (k NodeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *NodeKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range kindNames {
		if name == s {
			*k = NodeKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown node kind %q", s)
}

// ChoiceNode is a node in the parsed choice tree of a script.
//
// StartLine and EndLine are 0-indexed, inclusive line references into the
// source line sequence the tree was parsed from. Children are owned
// exclusively by their parent and appear in source order. FalseBranch holds
// the elif/else continuation chain of an IfBlock: a chained elif becomes a
// nested IfBlock appended here, an else contributes its body nodes directly.
type ChoiceNode struct {
	Kind        NodeKind      `json:"node_type"`
	Label       string        `json:"label_name"`
	StartLine   int           `json:"start_line"`
	EndLine     int           `json:"end_line"`
	Children    []*ChoiceNode `json:"children"`
	FalseBranch []*ChoiceNode `json:"false_branch,omitempty"`
}

// Walk visits n and every node below it (children first, then false branch)
// in depth-first source order. Walking stops early when fn returns false.
func (n *ChoiceNode) Walk(fn func(*ChoiceNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	for _, f := range n.FalseBranch {
		if !f.Walk(fn) {
			return false
		}
	}
	return true
}
