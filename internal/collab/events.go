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
	"time"
)

// Outbound event types. These are the wire names clients switch on.
const (
	EvActiveUsers      = "active_users"
	EvNodeLocks        = "node_locks"
	EvUserJoinedScript = "user_joined_script"
	EvUserLeftScript   = "user_left_script"
	EvUserLeftProject  = "user_left_project"
	EvNodeLocked       = "node_locked"
	EvNodeUnlocked     = "node_unlocked"
	EvLocksReleased    = "locks_released"
	EvEditConflict     = "editConflict"
	EvNodeEditing      = "node_editing"
	EvNodeEditingEnded = "node_editing_ended"
	EvUpdateNode       = "updateNode"
	EvInsertNode       = "insertNode"
	EvUpdateStructure  = "updateStructure"
	EvPong             = "pong"
)

// UserPresence identifies one connected collaborator. ScriptID is the
// script the user is currently editing, when known.
type UserPresence struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	ConnectedAt string `json:"connected_at,omitempty"`
	ScriptID    string `json:"script_id,omitempty"`
}

// NodeLock describes one held node lock in a script.
type NodeLock struct {
	NodeID    string    `json:"node_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Event is the single outbound message shape. Type is always set; the
// remaining fields are populated per event type and elided from the wire
// when empty.
type Event struct {
	Type      string          `json:"type"`
	UserID    string          `json:"user_id,omitempty"`
	Username  string          `json:"username,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	ScriptID  string          `json:"script_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	NodeIDs   []string        `json:"nodes,omitempty"`
	LockedBy  string          `json:"locked_by,omitempty"`
	ParentID  string          `json:"parent_id,omitempty"`
	Position  int             `json:"position,omitempty"`
	Content   string          `json:"content,omitempty"`
	StartLine *int            `json:"start_line,omitempty"`
	EndLine   *int            `json:"end_line,omitempty"`
	LineDiff  int             `json:"line_diff,omitempty"`
	Tree      json.RawMessage `json:"tree,omitempty"`
	Users     []UserPresence  `json:"users,omitempty"`
	Locks     []NodeLock      `json:"locks,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (h *Hub) newEvent(typ string) Event {
	return Event{Type: typ, Timestamp: h.now().UTC().Format(time.RFC3339)}
}

// intRef boxes a line number so 0 survives omitempty.
func intRef(v int) *int { return &v }
