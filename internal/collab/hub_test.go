/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package collab

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (f *fakeConn) Send(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) byType(typ string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeConn) count(typ string) int { return len(f.byType(typ)) }

// testHub returns a hub with a controllable clock.
func testHub(t *testing.T) (*Hub, *time.Time) {
	t.Helper()
	h := NewHub(5 * time.Minute)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	now := base
	h.now = func() time.Time { return now }
	return h, &now
}

func TestConnectScriptSendsSnapshots(t *testing.T) {
	h, _ := testHub(t)
	a := &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")

	if a.count(EvActiveUsers) != 1 {
		t.Fatalf("expected active_users snapshot, got %+v", a.events)
	}
	if a.count(EvNodeLocks) != 1 {
		t.Fatalf("expected node_locks snapshot, got %+v", a.events)
	}

	b := &fakeConn{}
	h.ConnectScript(b, "p1", "s1", "u2", "bob")
	joins := a.byType(EvUserJoinedScript)
	if len(joins) != 1 || joins[0].UserID != "u2" || joins[0].Username != "bob" {
		t.Fatalf("join not broadcast to existing user: %+v", joins)
	}
	if b.count(EvUserJoinedScript) != 0 {
		t.Fatalf("joiner must not see its own join")
	}
}

func TestLockConflict(t *testing.T) {
	h, _ := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")
	h.ConnectScript(b, "p1", "s1", "u2", "bob")

	if err := h.LockNode("s1", "n1", "u1"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := h.LockNode("s1", "n1", "u2"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if got := b.byType(EvNodeLocked); len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("node_locked broadcast: %+v", got)
	}
	locks := h.ScriptLocks("s1")
	if len(locks) != 1 || locks[0].NodeID != "n1" || locks[0].UserID != "u1" {
		t.Fatalf("lock table: %+v", locks)
	}
}

func TestLockReentrantRefreshes(t *testing.T) {
	h, now := testHub(t)
	a := &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")

	if err := h.LockNode("s1", "n1", "u1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	first := h.ScriptLocks("s1")[0].ExpiresAt
	*now = now.Add(2 * time.Minute)
	if err := h.LockNode("s1", "n1", "u1"); err != nil {
		t.Fatalf("relock: %v", err)
	}
	second := h.ScriptLocks("s1")[0].ExpiresAt
	if !second.After(first) {
		t.Fatalf("relock must extend expiry: %v -> %v", first, second)
	}
	if a.count(EvNodeLocked) != 2 {
		t.Fatalf("relock must re-broadcast node_locked, got %d", a.count(EvNodeLocked))
	}
}

func TestLockExpiresLazily(t *testing.T) {
	h, now := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")
	h.ConnectScript(b, "p1", "s1", "u2", "bob")

	if err := h.LockNode("s1", "n1", "u1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	*now = now.Add(6 * time.Minute)
	if got := h.ScriptLocks("s1"); len(got) != 0 {
		t.Fatalf("expired lock still reported: %+v", got)
	}
	if err := h.LockNode("s1", "n1", "u2"); err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	h, _ := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")
	h.ConnectScript(b, "p1", "s1", "u2", "bob")

	if err := h.LockNode("s1", "n1", "u1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := h.ReleaseNodeLock("s1", "n1", "u2"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := h.ReleaseNodeLock("s1", "n1", "u1"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	if err := h.ReleaseNodeLock("s1", "n1", "u1"); !errors.Is(err, ErrNoLock) {
		t.Fatalf("double release should report ErrNoLock, got %v", err)
	}
	if got := b.byType(EvNodeUnlocked); len(got) != 1 || got[0].NodeID != "n1" {
		t.Fatalf("node_unlocked broadcast: %+v", got)
	}
}

func TestDisconnectReleasesLocksBatched(t *testing.T) {
	h, _ := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")
	h.ConnectScript(b, "p1", "s1", "u2", "bob")

	for _, n := range []string{"n3", "n1", "n2"} {
		if err := h.LockNode("s1", n, "u1"); err != nil {
			t.Fatalf("lock %s: %v", n, err)
		}
	}
	h.Disconnect(a)

	rel := b.byType(EvLocksReleased)
	if len(rel) != 1 {
		t.Fatalf("expected single batched locks_released, got %d", len(rel))
	}
	if rel[0].UserID != "u1" || rel[0].Username != "alice" {
		t.Fatalf("released by: %+v", rel[0])
	}
	want := []string{"n1", "n2", "n3"}
	if len(rel[0].NodeIDs) != 3 {
		t.Fatalf("node ids: %+v", rel[0].NodeIDs)
	}
	for i, n := range want {
		if rel[0].NodeIDs[i] != n {
			t.Fatalf("node ids not sorted: %+v", rel[0].NodeIDs)
		}
	}
	if b.count(EvUserLeftScript) != 1 {
		t.Fatalf("expected user_left_script broadcast")
	}
	if got := h.ScriptLocks("s1"); len(got) != 0 {
		t.Fatalf("locks survived disconnect: %+v", got)
	}
}

func TestDisconnectWithoutLocksSendsNoRelease(t *testing.T) {
	h, _ := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")
	h.ConnectScript(b, "p1", "s1", "u2", "bob")

	h.Disconnect(a)
	if b.count(EvLocksReleased) != 0 {
		t.Fatalf("locks_released sent with nothing held")
	}
	h.Disconnect(a) // duplicate must be a no-op
	if b.count(EvUserLeftScript) != 1 {
		t.Fatalf("duplicate disconnect broadcast a second leave")
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	h, _ := testHub(t)
	old, fresh, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.ConnectScript(old, "p1", "s1", "u1", "alice")
	h.ConnectScript(other, "p1", "s1", "u2", "bob")
	h.ConnectScript(fresh, "p1", "s1", "u1", "alice")

	if !old.closed {
		t.Fatalf("replaced connection must be closed")
	}
	h.Disconnect(old)
	if other.count(EvUserLeftScript) != 0 {
		t.Fatalf("disconnect of replaced conn must not broadcast a leave")
	}
	if users := h.ScriptActiveUsers("s1"); len(users) != 2 {
		t.Fatalf("roster after reconnect: %+v", users)
	}
}

func TestHandleMessageLockConflictSendsEditConflict(t *testing.T) {
	h, _ := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")
	h.ConnectScript(b, "p1", "s1", "u2", "bob")

	h.HandleMessage(a, []byte(`{"type":"startEditing","node_id":"n1"}`))
	h.HandleMessage(b, []byte(`{"type":"startEditing","node_id":"n1"}`))

	conflicts := b.byType(EvEditConflict)
	if len(conflicts) != 1 {
		t.Fatalf("expected editConflict for loser, got %+v", b.events)
	}
	if conflicts[0].UserID != "u1" || conflicts[0].LockedBy != "alice" {
		t.Fatalf("conflict should name the holder: %+v", conflicts[0])
	}
	if got := b.byType(EvNodeEditing); len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("winner's node_editing missing for others: %+v", got)
	}
	if a.count(EvNodeEditing) != 0 {
		t.Fatalf("editor must not receive its own node_editing")
	}
}

func TestHandleMessageUpdateNodeExcludesSender(t *testing.T) {
	h, _ := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")
	h.ConnectScript(b, "p1", "s1", "u2", "bob")

	h.HandleMessage(a, []byte(`{"type":"updateNode","node_id":"n1","content":"new text","start_line":0,"end_line":2,"line_diff":1}`))

	got := b.byType(EvUpdateNode)
	if len(got) != 1 || got[0].Content != "new text" || got[0].LineDiff != 1 {
		t.Fatalf("updateNode relay: %+v", got)
	}
	if got[0].StartLine == nil || *got[0].StartLine != 0 || got[0].EndLine == nil || *got[0].EndLine != 2 {
		t.Fatalf("updateNode range: %+v", got[0])
	}
	if a.count(EvUpdateNode) != 0 {
		t.Fatalf("sender must not receive its own update")
	}
}

func TestHandleMessagePing(t *testing.T) {
	h, _ := testHub(t)
	a := &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")

	h.HandleMessage(a, []byte(`{"type":"ping"}`))
	if a.count(EvPong) != 1 {
		t.Fatalf("expected pong, got %+v", a.events)
	}
}

func TestHandleMessageUnknownTypeDropped(t *testing.T) {
	h, _ := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectScript(a, "p1", "s1", "u1", "alice")
	h.ConnectScript(b, "p1", "s1", "u2", "bob")

	before := len(b.events)
	h.HandleMessage(a, []byte(`{"type":"teleport"}`))
	h.HandleMessage(a, []byte(`not json`))
	if len(b.events) != before {
		t.Fatalf("unknown or invalid frames must not broadcast")
	}
}

func TestProjectPresence(t *testing.T) {
	h, _ := testHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	h.ConnectProject(a, "p1", "u1", "alice")
	h.ConnectProject(b, "p1", "u2", "bob")

	users := h.ProjectActiveUsers("p1")
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Fatalf("roster: %+v", users)
	}
	if users[0].ConnectedAt == "" {
		t.Fatalf("presence missing connected_at: %+v", users[0])
	}

	// A script session inside the project marks the roster entry.
	sc := &fakeConn{}
	h.ConnectScript(sc, "p1", "s1", "u1", "alice")
	users = h.ProjectActiveUsers("p1")
	if users[0].ScriptID != "s1" {
		t.Fatalf("expected alice marked as editing s1: %+v", users)
	}
	if users[1].ScriptID != "" {
		t.Fatalf("bob should not be editing: %+v", users)
	}
	if a.count(EvActiveUsers) < 2 {
		t.Fatalf("existing user should see roster refresh on join: %+v", a.events)
	}

	h.Disconnect(b)
	if a.count(EvUserLeftProject) != 1 {
		t.Fatalf("expected user_left_project: %+v", a.events)
	}
	if users := h.ProjectActiveUsers("p1"); len(users) != 1 {
		t.Fatalf("roster after leave: %+v", users)
	}
}

func TestLockRequiresSession(t *testing.T) {
	h, _ := testHub(t)
	if err := h.LockNode("s1", "n1", "ghost"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
