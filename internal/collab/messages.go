/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package collab

import (
	"encoding/json"
	"fmt"
)

// MsgKind classifies an inbound client message.
type MsgKind int

const (
	MsgUnknown MsgKind = iota
	MsgPing
	MsgLockNode
	MsgUnlockNode
	MsgStartEditing
	MsgEndEditing
	MsgUpdateNode
	MsgInsertNode
	MsgUpdateStructure
)

// Older clients use snake_case type names; both spellings are accepted.
var msgKinds = map[string]MsgKind{
	"ping":            MsgPing,
	"lock_node":       MsgLockNode,
	"lockNode":        MsgLockNode,
	"unlock_node":     MsgUnlockNode,
	"unlockNode":      MsgUnlockNode,
	"start_editing":   MsgStartEditing,
	"startEditing":    MsgStartEditing,
	"end_editing":     MsgEndEditing,
	"endEditing":      MsgEndEditing,
	"update_node":     MsgUpdateNode,
	"updateNode":      MsgUpdateNode,
	"insert_node":     MsgInsertNode,
	"insertNode":      MsgInsertNode,
	"updateStructure": MsgUpdateStructure,
}

// Message is a decoded inbound client message. Kind is MsgUnknown when the
// type is not recognized; the hub logs and drops those without closing the
// connection.
type Message struct {
	Kind      MsgKind
	Type      string
	NodeID    string
	ParentID  string
	Position  int
	Content   string
	StartLine int
	EndLine   int
	LineDiff  int
	Tree      json.RawMessage
}

type wireMessage struct {
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id"`
	ParentID  string          `json:"parent_id"`
	Position  int             `json:"position"`
	Content   string          `json:"content"`
	StartLine int             `json:"start_line"`
	EndLine   int             `json:"end_line"`
	LineDiff  int             `json:"line_diff"`
	Tree      json.RawMessage `json:"tree"`
}

// DecodeMessage parses one inbound frame. An error means the frame was not
// valid JSON or carried no type at all; unrecognized types decode cleanly
// with Kind MsgUnknown.
func DecodeMessage(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if w.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return Message{
		Kind:      msgKinds[w.Type],
		Type:      w.Type,
		NodeID:    w.NodeID,
		ParentID:  w.ParentID,
		Position:  w.Position,
		Content:   w.Content,
		StartLine: w.StartLine,
		EndLine:   w.EndLine,
		LineDiff:  w.LineDiff,
		Tree:      w.Tree,
	}, nil
}
