/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package collab implements the real-time collaboration engine: presence
// tracking per project and per script, advisory node locks with a timeout,
// and fan-out of edit events to connected clients. The hub is transport
// agnostic; it talks to clients only through the Conn interface.
package collab

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	applog "renscribe/internal/log"
)

// DefaultLockTimeout is how long a node lock lives without being refreshed.
const DefaultLockTimeout = 5 * time.Minute

var (
	// ErrLockHeld is returned when another user holds the node lock.
	ErrLockHeld = errors.New("node locked by another user")
	// ErrNotHolder is returned when releasing a lock one does not hold.
	ErrNotHolder = errors.New("lock held by another user")
	// ErrNoLock is returned when releasing a lock that does not exist or
	// has already expired.
	ErrNoLock = errors.New("no lock on node")
	// ErrNoSession is returned for operations on users with no live session.
	ErrNoSession = errors.New("no active session")
)

type session struct {
	id          string
	conn        Conn
	userID      string
	username    string
	projectID   string
	scriptID    string // empty for project-level sessions
	connectedAt time.Time
}

type lockEntry struct {
	userID    string
	username  string
	expiresAt time.Time
}

// Hub routes presence and edit events between connected clients.
//
// Sessions are keyed by (scope, user): a second connection for the same
// user to the same project or script replaces the first, and the replaced
// connection is closed without a leave broadcast. All state is guarded by
// one mutex; Conn.Send is called with it held, so Conn implementations
// must not block.
type Hub struct {
	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	projects map[string]map[string]*session // projectID -> userID
	scripts  map[string]map[string]*session // scriptID -> userID
	conns    map[Conn]*session
	locks    map[string]map[string]*lockEntry // scriptID -> nodeID
}

// NewHub creates a hub with the given lock timeout. A zero or negative
// timeout selects DefaultLockTimeout.
func NewHub(lockTimeout time.Duration) *Hub {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Hub{
		timeout:  lockTimeout,
		now:      time.Now,
		log:      applog.WithComponent("collab"),
		projects: map[string]map[string]*session{},
		scripts:  map[string]map[string]*session{},
		conns:    map[Conn]*session{},
		locks:    map[string]map[string]*lockEntry{},
	}
}

// ConnectProject registers a project-level presence session and returns its
// id. The new client immediately receives an active_users snapshot and the
// rest of the project is notified of the updated roster.
func (h *Hub) ConnectProject(c Conn, projectID, userID, username string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess := &session{
		id:          uuid.NewString(),
		conn:        c,
		userID:      userID,
		username:    username,
		projectID:   projectID,
		connectedAt: h.now(),
	}
	h.replaceLocked(h.projects, projectID, sess)

	ev := h.newEvent(EvActiveUsers)
	ev.ProjectID = projectID
	ev.Users = h.projectUsersLocked(projectID)
	h.broadcastLocked(h.projects[projectID], ev, "")

	h.log.Info("project session opened", "project_id", projectID, "user_id", userID)
	return sess.id
}

// ConnectScript registers a script-level session. The new client receives
// the current collaborator roster and lock table for the script, then the
// other collaborators learn about the join.
func (h *Hub) ConnectScript(c Conn, projectID, scriptID, userID, username string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess := &session{
		id:          uuid.NewString(),
		conn:        c,
		userID:      userID,
		username:    username,
		projectID:   projectID,
		scriptID:    scriptID,
		connectedAt: h.now(),
	}
	h.replaceLocked(h.scripts, scriptID, sess)

	users := h.newEvent(EvActiveUsers)
	users.ScriptID = scriptID
	users.Users = h.scriptUsersLocked(scriptID)
	h.send(sess, users)

	locks := h.newEvent(EvNodeLocks)
	locks.ScriptID = scriptID
	locks.Locks = h.scriptLocksLocked(scriptID)
	h.send(sess, locks)

	joined := h.newEvent(EvUserJoinedScript)
	joined.ScriptID = scriptID
	joined.UserID = userID
	joined.Username = username
	h.broadcastLocked(h.scripts[scriptID], joined, userID)

	h.log.Info("script session opened", "script_id", scriptID, "user_id", userID)
	return sess.id
}

// replaceLocked installs sess under its scope key, closing any previous
// connection the same user had there.
func (h *Hub) replaceLocked(scope map[string]map[string]*session, key string, sess *session) {
	byUser := scope[key]
	if byUser == nil {
		byUser = map[string]*session{}
		scope[key] = byUser
	}
	if old := byUser[sess.userID]; old != nil {
		delete(h.conns, old.conn)
		_ = old.conn.Close()
	}
	byUser[sess.userID] = sess
	h.conns[sess.conn] = sess
}

// Disconnect tears down the session bound to c. Calling it for an unknown
// or already-replaced connection is a no-op. A script disconnect releases
// every lock the user held in that script with a single locks_released
// broadcast before the leave notification.
func (h *Hub) Disconnect(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.conns[c]
	if !ok {
		return
	}
	delete(h.conns, c)

	if sess.scriptID != "" {
		byUser := h.scripts[sess.scriptID]
		if byUser[sess.userID] == sess {
			delete(byUser, sess.userID)
			if len(byUser) == 0 {
				delete(h.scripts, sess.scriptID)
			}
		}
		if released := h.releaseAllLocked(sess.scriptID, sess.userID); len(released) > 0 {
			ev := h.newEvent(EvLocksReleased)
			ev.ScriptID = sess.scriptID
			ev.UserID = sess.userID
			ev.Username = sess.username
			ev.NodeIDs = released
			h.broadcastLocked(h.scripts[sess.scriptID], ev, "")
		}
		left := h.newEvent(EvUserLeftScript)
		left.ScriptID = sess.scriptID
		left.UserID = sess.userID
		left.Username = sess.username
		h.broadcastLocked(h.scripts[sess.scriptID], left, "")
		h.log.Info("script session closed", "script_id", sess.scriptID, "user_id", sess.userID)
		return
	}

	byUser := h.projects[sess.projectID]
	if byUser[sess.userID] == sess {
		delete(byUser, sess.userID)
		if len(byUser) == 0 {
			delete(h.projects, sess.projectID)
		}
	}
	left := h.newEvent(EvUserLeftProject)
	left.ProjectID = sess.projectID
	left.UserID = sess.userID
	left.Username = sess.username
	h.broadcastLocked(h.projects[sess.projectID], left, "")
	h.log.Info("project session closed", "project_id", sess.projectID, "user_id", sess.userID)
}

// LockNode acquires or refreshes the advisory lock on a node. Re-locking a
// node one already holds extends the expiry and re-broadcasts node_locked
// so late joiners converge. ErrLockHeld is returned when another user holds
// a live lock.
func (h *Hub) LockNode(scriptID, nodeID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lockNodeLocked(scriptID, nodeID, userID)
}

func (h *Hub) lockNodeLocked(scriptID, nodeID, userID string) error {
	sess := h.scriptSessionLocked(scriptID, userID)
	if sess == nil {
		return ErrNoSession
	}
	byNode := h.locks[scriptID]
	if byNode == nil {
		byNode = map[string]*lockEntry{}
		h.locks[scriptID] = byNode
	}
	if cur := byNode[nodeID]; cur != nil {
		if cur.expiresAt.Before(h.now()) {
			delete(byNode, nodeID)
		} else if cur.userID != userID {
			return ErrLockHeld
		}
	}
	expires := h.now().Add(h.timeout)
	byNode[nodeID] = &lockEntry{userID: userID, username: sess.username, expiresAt: expires}

	ev := h.newEvent(EvNodeLocked)
	ev.ScriptID = scriptID
	ev.NodeID = nodeID
	ev.UserID = userID
	ev.Username = sess.username
	h.broadcastLocked(h.scripts[scriptID], ev, "")
	return nil
}

// ReleaseNodeLock drops the lock if userID holds it. Releasing a lock that
// does not exist (or has expired) returns ErrNoLock; releasing someone
// else's lock returns ErrNotHolder.
func (h *Hub) ReleaseNodeLock(scriptID, nodeID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseNodeLockLocked(scriptID, nodeID, userID)
}

func (h *Hub) releaseNodeLockLocked(scriptID, nodeID, userID string) error {
	byNode := h.locks[scriptID]
	cur := byNode[nodeID]
	if cur == nil {
		return ErrNoLock
	}
	if cur.expiresAt.Before(h.now()) {
		delete(byNode, nodeID)
		return ErrNoLock
	}
	if cur.userID != userID {
		return ErrNotHolder
	}
	delete(byNode, nodeID)

	ev := h.newEvent(EvNodeUnlocked)
	ev.ScriptID = scriptID
	ev.NodeID = nodeID
	ev.UserID = userID
	h.broadcastLocked(h.scripts[scriptID], ev, "")
	return nil
}

// releaseAllLocked drops every lock userID holds in the script and returns
// the released node ids sorted. No per-node broadcast is sent; the caller
// emits one batched locks_released event.
func (h *Hub) releaseAllLocked(scriptID, userID string) []string {
	byNode := h.locks[scriptID]
	var released []string
	for nodeID, entry := range byNode {
		if entry.userID == userID {
			delete(byNode, nodeID)
			released = append(released, nodeID)
		}
	}
	sort.Strings(released)
	return released
}

// NotifyEdit tells the other collaborators that userID started editing a
// node. The editor must already hold the lock; this only fans out.
func (h *Hub) NotifyEdit(scriptID, nodeID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.scriptSessionLocked(scriptID, userID)
	ev := h.newEvent(EvNodeEditing)
	ev.ScriptID = scriptID
	ev.NodeID = nodeID
	ev.UserID = userID
	if sess != nil {
		ev.Username = sess.username
	}
	h.broadcastLocked(h.scripts[scriptID], ev, userID)
}

// NotifyEditEnd tells the other collaborators that editing stopped.
func (h *Hub) NotifyEditEnd(scriptID, nodeID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := h.newEvent(EvNodeEditingEnded)
	ev.ScriptID = scriptID
	ev.NodeID = nodeID
	ev.UserID = userID
	h.broadcastLocked(h.scripts[scriptID], ev, userID)
}

// BroadcastNodeUpdate relays a persisted node content change to every
// collaborator except the author. startLine/endLine are the replaced range
// in the pre-edit content; peers shift their own ranges by lineDiff.
func (h *Hub) BroadcastNodeUpdate(scriptID, nodeID, content string, startLine, endLine, lineDiff int, fromUserID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := h.newEvent(EvUpdateNode)
	ev.ScriptID = scriptID
	ev.NodeID = nodeID
	ev.Content = content
	ev.StartLine = intRef(startLine)
	ev.EndLine = intRef(endLine)
	ev.LineDiff = lineDiff
	ev.UserID = fromUserID
	h.broadcastLocked(h.scripts[scriptID], ev, fromUserID)
}

// BroadcastNodeInsert relays a node insertion, carrying the re-parsed tree
// so clients can swap their structure wholesale.
func (h *Hub) BroadcastNodeInsert(scriptID, parentID string, position int, content string, tree json.RawMessage, fromUserID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := h.newEvent(EvInsertNode)
	ev.ScriptID = scriptID
	ev.ParentID = parentID
	ev.Position = position
	ev.Content = content
	ev.Tree = tree
	ev.UserID = fromUserID
	h.broadcastLocked(h.scripts[scriptID], ev, fromUserID)
}

// BroadcastStructureUpdate relays a whole-tree refresh.
func (h *Hub) BroadcastStructureUpdate(scriptID string, tree json.RawMessage, fromUserID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := h.newEvent(EvUpdateStructure)
	ev.ScriptID = scriptID
	ev.Tree = tree
	ev.UserID = fromUserID
	h.broadcastLocked(h.scripts[scriptID], ev, fromUserID)
}

// ProjectActiveUsers returns the project roster sorted by username.
func (h *Hub) ProjectActiveUsers(projectID string) []UserPresence {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.projectUsersLocked(projectID)
}

// ScriptActiveUsers returns the script roster sorted by username.
func (h *Hub) ScriptActiveUsers(scriptID string) []UserPresence {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scriptUsersLocked(scriptID)
}

// ScriptLocks returns the live locks for a script, dropping expired
// entries as a side effect.
func (h *Hub) ScriptLocks(scriptID string) []NodeLock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scriptLocksLocked(scriptID)
}

func (h *Hub) scriptLocksLocked(scriptID string) []NodeLock {
	byNode := h.locks[scriptID]
	out := make([]NodeLock, 0, len(byNode))
	now := h.now()
	for nodeID, entry := range byNode {
		if entry.expiresAt.Before(now) {
			delete(byNode, nodeID)
			continue
		}
		out = append(out, NodeLock{
			NodeID:    nodeID,
			UserID:    entry.userID,
			Username:  entry.username,
			ExpiresAt: entry.expiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// projectUsersLocked builds the project roster, marking each user with the
// script they currently have open in this project, if any.
func (h *Hub) projectUsersLocked(projectID string) []UserPresence {
	byUser := h.projects[projectID]
	out := make([]UserPresence, 0, len(byUser))
	for _, s := range byUser {
		p := UserPresence{
			UserID:      s.userID,
			Username:    s.username,
			ConnectedAt: s.connectedAt.UTC().Format(time.RFC3339),
		}
		for scriptID, scriptSessions := range h.scripts {
			if ss := scriptSessions[s.userID]; ss != nil && ss.projectID == projectID {
				p.ScriptID = scriptID
				break
			}
		}
		out = append(out, p)
	}
	sortPresence(out)
	return out
}

func (h *Hub) scriptUsersLocked(scriptID string) []UserPresence {
	byUser := h.scripts[scriptID]
	out := make([]UserPresence, 0, len(byUser))
	for _, s := range byUser {
		out = append(out, UserPresence{
			UserID:      s.userID,
			Username:    s.username,
			ConnectedAt: s.connectedAt.UTC().Format(time.RFC3339),
			ScriptID:    s.scriptID,
		})
	}
	sortPresence(out)
	return out
}

func sortPresence(out []UserPresence) {
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
}

func (h *Hub) scriptSessionLocked(scriptID, userID string) *session {
	return h.scripts[scriptID][userID]
}

// broadcastLocked fans ev out to every session in the scope except the
// excluded user. Send errors are logged and skipped; a dead connection is
// reaped by its transport calling Disconnect.
func (h *Hub) broadcastLocked(byUser map[string]*session, ev Event, exceptUserID string) {
	for uid, s := range byUser {
		if uid == exceptUserID {
			continue
		}
		h.send(s, ev)
	}
}

func (h *Hub) send(s *session, ev Event) {
	if err := s.conn.Send(ev); err != nil {
		h.log.Debug("send failed", "user_id", s.userID, "type", ev.Type, "error", err)
	}
}

// HandleMessage processes one inbound frame from c. Frames from unknown
// connections, undecodable frames, and unrecognized message types are
// logged and dropped without closing the connection.
func (h *Hub) HandleMessage(c Conn, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.conns[c]
	if !ok {
		h.log.Warn("message from unknown connection")
		return
	}
	h.handleFrame(sess, raw)
}

// HandleUserMessage processes a frame on behalf of the user's current
// session in the script. Transports without a bidirectional channel (the
// SSE stream plus a send endpoint) use this instead of HandleMessage.
func (h *Hub) HandleUserMessage(scriptID, userID string, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.scriptSessionLocked(scriptID, userID)
	if sess == nil {
		return ErrNoSession
	}
	h.handleFrame(sess, raw)
	return nil
}

func (h *Hub) handleFrame(sess *session, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		h.log.Warn("protocol error", "user_id", sess.userID, "error", err)
		return
	}

	switch msg.Kind {
	case MsgPing:
		h.send(sess, h.newEvent(EvPong))
	case MsgLockNode:
		h.handleLock(sess, msg.NodeID, false)
	case MsgStartEditing:
		h.handleLock(sess, msg.NodeID, true)
	case MsgUnlockNode:
		_ = h.releaseNodeLockLocked(sess.scriptID, msg.NodeID, sess.userID)
	case MsgEndEditing:
		_ = h.releaseNodeLockLocked(sess.scriptID, msg.NodeID, sess.userID)
		ev := h.newEvent(EvNodeEditingEnded)
		ev.ScriptID = sess.scriptID
		ev.NodeID = msg.NodeID
		ev.UserID = sess.userID
		h.broadcastLocked(h.scripts[sess.scriptID], ev, sess.userID)
	case MsgUpdateNode:
		ev := h.newEvent(EvUpdateNode)
		ev.ScriptID = sess.scriptID
		ev.NodeID = msg.NodeID
		ev.Content = msg.Content
		ev.StartLine = intRef(msg.StartLine)
		ev.EndLine = intRef(msg.EndLine)
		ev.LineDiff = msg.LineDiff
		ev.UserID = sess.userID
		ev.Username = sess.username
		h.broadcastLocked(h.scripts[sess.scriptID], ev, sess.userID)
	case MsgInsertNode:
		ev := h.newEvent(EvInsertNode)
		ev.ScriptID = sess.scriptID
		ev.ParentID = msg.ParentID
		ev.Position = msg.Position
		ev.Content = msg.Content
		ev.Tree = msg.Tree
		ev.UserID = sess.userID
		h.broadcastLocked(h.scripts[sess.scriptID], ev, sess.userID)
	case MsgUpdateStructure:
		ev := h.newEvent(EvUpdateStructure)
		ev.ScriptID = sess.scriptID
		ev.Tree = msg.Tree
		ev.UserID = sess.userID
		h.broadcastLocked(h.scripts[sess.scriptID], ev, sess.userID)
	default:
		h.log.Warn("unknown message type", "type", msg.Type, "user_id", sess.userID)
	}
}

// handleLock acquires the node lock for an inbound frame and reports a
// conflict back to the requester instead of erroring the stream. With
// notify set it also announces node_editing on success.
func (h *Hub) handleLock(sess *session, nodeID string, notify bool) {
	err := h.lockNodeLocked(sess.scriptID, nodeID, sess.userID)
	if errors.Is(err, ErrLockHeld) {
		ev := h.newEvent(EvEditConflict)
		ev.ScriptID = sess.scriptID
		ev.NodeID = nodeID
		if cur := h.locks[sess.scriptID][nodeID]; cur != nil {
			ev.UserID = cur.userID
			ev.LockedBy = cur.username
		}
		ev.Message = "node is being edited by another user"
		h.send(sess, ev)
		return
	}
	if err != nil {
		h.log.Warn("lock failed", "node_id", nodeID, "user_id", sess.userID, "error", err)
		return
	}
	if notify {
		ev := h.newEvent(EvNodeEditing)
		ev.ScriptID = sess.scriptID
		ev.NodeID = nodeID
		ev.UserID = sess.userID
		ev.Username = sess.username
		h.broadcastLocked(h.scripts[sess.scriptID], ev, sess.userID)
	}
}
