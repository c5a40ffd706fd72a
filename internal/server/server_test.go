/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"renscribe/internal/collab"
	"renscribe/internal/identity"
	"renscribe/internal/storage"
)

type testEnv struct {
	t   *testing.T
	ts  *httptest.Server
	srv *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "srv.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ids, err := identity.NewService(store, "test-secret", identity.DefaultTokenTTL)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	srv := New(store, nil, storage.NewScriptCache(10, time.Minute), ids, collab.NewHub(5*time.Minute))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{t: t, ts: ts, srv: srv}
}

func (e *testEnv) do(method, path, token string, body any) (*http.Response, map[string]any) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return resp, out
}

func (e *testEnv) register(username string) string {
	e.t.Helper()
	resp, _ := e.do("POST", "/api/auth/register", "", map[string]any{
		"username": username, "password": "correct horse",
	})
	if resp.StatusCode != http.StatusCreated {
		e.t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
	resp, body := e.do("POST", "/api/auth/token", "", map[string]any{
		"username": username, "password": "correct horse",
	})
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("token %s: status %d", username, resp.StatusCode)
	}
	tok, _ := body["token"].(string)
	if tok == "" {
		e.t.Fatalf("no token in %v", body)
	}
	return tok
}

func (e *testEnv) upload(token, filename, content, projectID string) (int, map[string]any) {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		e.t.Fatalf("form file: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		e.t.Fatalf("write form: %v", err)
	}
	_ = mw.Close()

	url := e.ts.URL + "/api/scripts/parse"
	if projectID != "" {
		url += "?project_id=" + projectID
	}
	req, _ := http.NewRequest("POST", url, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return resp.StatusCode, out
}

const demoScript = "label start:\n" +
	"    \"Welcome.\"\n" +
	"    jump forest\n" +
	"label forest:\n" +
	"    \"Tall trees.\"\n" +
	"    return\n"

func TestHealthAndVersion(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		resp, err := http.Get(e.ts.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestAuthFlow(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	if tok == "" {
		t.Fatalf("no token")
	}
	resp, _ := e.do("POST", "/api/auth/register", "", map[string]any{
		"username": "alice", "password": "correct horse",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: %d", resp.StatusCode)
	}
	resp, _ = e.do("POST", "/api/auth/token", "", map[string]any{
		"username": "alice", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", resp.StatusCode)
	}
	resp, _ = e.do("GET", "/api/projects", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: %d", resp.StatusCode)
	}
	resp, _ = e.do("GET", "/api/projects", "garbage-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", resp.StatusCode)
	}
}

func TestParseUploadDefaultProject(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")

	status, body := e.upload(tok, "demo.rpy", demoScript, "")
	if status != http.StatusOK {
		t.Fatalf("upload: %d %v", status, body)
	}
	if body["script_id"] == "" || body["project_id"] == "" {
		t.Fatalf("missing ids: %v", body)
	}
	tree, ok := body["tree"].(map[string]any)
	if !ok {
		t.Fatalf("no tree: %v", body)
	}
	children, _ := tree["children"].([]any)
	if len(children) != 2 {
		t.Fatalf("expected 2 labels, got %v", tree)
	}

	resp, projects := e.do("GET", "/api/projects", tok, nil)
	_ = projects
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("projects: %d", resp.StatusCode)
	}
}

func TestParseRejectsNonRpy(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	status, body := e.upload(tok, "notes.txt", "hello", "")
	if status != http.StatusBadRequest {
		t.Fatalf("non-rpy upload: %d %v", status, body)
	}
}

func TestNodeContentAndUpdate(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	_, body := e.upload(tok, "demo.rpy", demoScript, "")
	id := body["script_id"].(string)

	resp, nc := e.do("GET", "/api/scripts/"+id+"/node-content?start_line=1&end_line=2", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("node-content: %d %v", resp.StatusCode, nc)
	}
	if nc["content"] != "    \"Welcome.\"\n    jump forest" {
		t.Fatalf("content: %q", nc["content"])
	}

	resp, up := e.do("POST", "/api/scripts/"+id+"/update-node", tok, map[string]any{
		"node_id":    "n1",
		"start_line": 1,
		"end_line":   2,
		"content":    "    \"Hello there.\"\n    \"A new line.\"\n    jump forest",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update-node: %d %v", resp.StatusCode, up)
	}
	if up["line_diff"].(float64) != 1 {
		t.Fatalf("line_diff: %v", up["line_diff"])
	}

	resp, nc = e.do("GET", "/api/scripts/"+id+"/node-content?start_line=1&end_line=3", tok, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(nc["content"].(string), "A new line.") {
		t.Fatalf("updated content: %v", nc)
	}

	resp, _ = e.do("GET", "/api/scripts/"+id+"/node-content?start_line=5&end_line=99", tok, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range: %d", resp.StatusCode)
	}
}

func TestInsertNode(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	_, body := e.upload(tok, "demo.rpy", demoScript, "")
	id := body["script_id"].(string)

	resp, ins := e.do("POST", "/api/scripts/"+id+"/insert-node", tok, map[string]any{
		"position": 3,
		"content":  "    \"Inserted.\"",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("insert-node: %d %v", resp.StatusCode, ins)
	}
	if ins["line_diff"].(float64) != 1 {
		t.Fatalf("line_diff: %v", ins["line_diff"])
	}
	resp, nc := e.do("GET", "/api/scripts/"+id+"/node-content?start_line=3&end_line=3", tok, nil)
	if resp.StatusCode != http.StatusOK || nc["content"] != "    \"Inserted.\"" {
		t.Fatalf("inserted line: %v", nc)
	}
}

func TestVersionsEndpoints(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	_, body := e.upload(tok, "demo.rpy", demoScript, "")
	id := body["script_id"].(string)

	e.do("POST", "/api/scripts/"+id+"/update-node", tok, map[string]any{
		"start_line": 1, "end_line": 1, "content": "    \"Changed.\"",
	})

	req, _ := http.NewRequest("GET", e.ts.URL+"/api/scripts/"+id+"/versions", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	defer resp.Body.Close()
	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(list) != 2 || list[0]["version"].(float64) != 2 {
		t.Fatalf("versions list: %v", list)
	}

	r2, v1 := e.do("GET", "/api/scripts/"+id+"/versions/1", tok, nil)
	if r2.StatusCode != http.StatusOK || !strings.Contains(v1["content"].(string), "Welcome.") {
		t.Fatalf("version 1: %d %v", r2.StatusCode, v1)
	}
	r3, _ := e.do("GET", "/api/scripts/"+id+"/versions/99", tok, nil)
	if r3.StatusCode != http.StatusNotFound {
		t.Fatalf("missing version: %d", r3.StatusCode)
	}
}

func TestDownloadAndExport(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	_, body := e.upload(tok, "demo.rpy", demoScript, "")
	id := body["script_id"].(string)

	req, _ := http.NewRequest("GET", e.ts.URL+"/api/scripts/"+id+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(data) != demoScript {
		t.Fatalf("download content mismatch: %q", data)
	}

	req, _ = http.NewRequest("GET", e.ts.URL+"/api/scripts/"+id+"/export.pdf", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.Header.Get("Content-Type") != "application/pdf" || !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("not a pdf: %s %q", resp.Header.Get("Content-Type"), data[:min(8, len(data))])
	}
}

func TestRoleEnforcement(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("owner")
	viewer := e.register("viewer")
	editor := e.register("editor")

	resp, proj := e.do("POST", "/api/projects", owner, map[string]any{"name": "VN"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d", resp.StatusCode)
	}
	pid := proj["id"].(string)

	status, body := e.upload(owner, "demo.rpy", demoScript, pid)
	if status != http.StatusOK {
		t.Fatalf("owner upload: %d", status)
	}
	id := body["script_id"].(string)

	// Stranger has no access at all.
	resp, _ = e.do("GET", "/api/scripts/"+id, viewer, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger read: %d", resp.StatusCode)
	}

	// Share as viewer: read yes, write no.
	resp, _ = e.do("POST", "/api/projects/"+pid+"/share", owner, map[string]any{
		"username": "viewer", "role": storage.RoleViewer,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("share viewer: %d", resp.StatusCode)
	}
	resp, _ = e.do("GET", "/api/scripts/"+id, viewer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("viewer read: %d", resp.StatusCode)
	}
	resp, _ = e.do("DELETE", "/api/scripts/"+id, viewer, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer delete: %d", resp.StatusCode)
	}

	// Only the owner can share.
	resp, _ = e.do("POST", "/api/projects/"+pid+"/share", viewer, map[string]any{
		"username": "editor", "role": storage.RoleEditor,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer share: %d", resp.StatusCode)
	}

	// Editors can modify and delete.
	resp, _ = e.do("POST", "/api/projects/"+pid+"/share", owner, map[string]any{
		"username": "editor", "role": storage.RoleEditor,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("share editor: %d", resp.StatusCode)
	}
	resp, _ = e.do("DELETE", "/api/scripts/"+id, editor, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("editor delete: %d", resp.StatusCode)
	}
}

func TestDeleteProject(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("owner")
	editor := e.register("editor")

	resp, proj := e.do("POST", "/api/projects", owner, map[string]any{"name": "VN"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d", resp.StatusCode)
	}
	pid := proj["id"].(string)
	_, body := e.upload(owner, "demo.rpy", demoScript, pid)
	id := body["script_id"].(string)

	resp, _ = e.do("POST", "/api/projects/"+pid+"/share", owner, map[string]any{
		"username": "editor", "role": storage.RoleEditor,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("share: %d", resp.StatusCode)
	}
	resp, _ = e.do("DELETE", "/api/projects/"+pid, editor, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("editor delete project: %d", resp.StatusCode)
	}
	resp, _ = e.do("DELETE", "/api/projects/"+pid, owner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete project: %d", resp.StatusCode)
	}
	resp, _ = e.do("GET", "/api/scripts/"+id, owner, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("script after project delete: %d", resp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	_, body := e.upload(tok, "demo.rpy", demoScript, "")
	pid := body["project_id"].(string)

	req, _ := http.NewRequest("GET", e.ts.URL+"/api/scripts/search?project_id="+pid+"&q=forest", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	defer resp.Body.Close()
	var hits []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hits) != 1 || hits[0]["filename"] != "demo.rpy" {
		t.Fatalf("hits: %v", hits)
	}
}

func TestProjectScriptsListing(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	_, body := e.upload(tok, "demo.rpy", demoScript, "")
	pid := body["project_id"].(string)
	e.upload(tok, "extra.rpy", "label extra:\n    return\n", pid)

	req, _ := http.NewRequest("GET", e.ts.URL+"/api/projects/"+pid+"/scripts", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list scripts: %v", err)
	}
	defer resp.Body.Close()
	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0]["filename"] != "demo.rpy" || list[1]["filename"] != "extra.rpy" {
		t.Fatalf("listing: %v", list)
	}

	stranger := e.register("bob")
	resp2, _ := e.do("GET", "/api/projects/"+pid+"/scripts", stranger, nil)
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger listing: %d", resp2.StatusCode)
	}
}

func TestSessionTokenIssue(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	_, body := e.upload(tok, "demo.rpy", demoScript, "")
	id := body["script_id"].(string)

	resp, st := e.do("POST", "/api/collab/script/"+id+"/session", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session token: %d %v", resp.StatusCode, st)
	}
	if st["token"] == "" || st["script_id"] != id {
		t.Fatalf("session token body: %v", st)
	}
	// The issued token is itself a valid bearer token.
	resp2, _ := e.do("GET", "/api/scripts/"+id, st["token"].(string), nil)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("bearer use of session token: %d", resp2.StatusCode)
	}
}

func TestCollabSendWithoutStream(t *testing.T) {
	e := newTestEnv(t)
	tok := e.register("alice")
	_, body := e.upload(tok, "demo.rpy", demoScript, "")
	id := body["script_id"].(string)

	resp, _ := e.do("POST", "/api/collab/script/"+id+"/send", tok, map[string]any{
		"type": "ping",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("send without stream: %d", resp.StatusCode)
	}
}

func TestScriptEventStream(t *testing.T) {
	e := newTestEnv(t)
	alice := e.register("alice")
	_, body := e.upload(alice, "demo.rpy", demoScript, "")
	id := body["script_id"].(string)

	req, _ := http.NewRequest("GET", e.ts.URL+"/api/collab/script/"+id+"/events?access_token="+alice, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	// The join snapshots (active_users, node_locks) arrive first.
	reader := newEventReader(resp.Body)
	ev, err := reader.next(2 * time.Second)
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if ev["type"] != "active_users" {
		t.Fatalf("first event type: %v", ev)
	}
	ev, err = reader.next(2 * time.Second)
	if err != nil || ev["type"] != "node_locks" {
		t.Fatalf("second event: %v %v", ev, err)
	}

	// An authorized frame through the send endpoint must round-trip.
	resp2, _ := e.do("POST", "/api/collab/script/"+id+"/send", alice, map[string]any{
		"type": "ping",
	})
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("send: %d", resp2.StatusCode)
	}
	ev, err = reader.next(2 * time.Second)
	if err != nil || ev["type"] != "pong" {
		t.Fatalf("pong: %v %v", ev, err)
	}
}

// eventReader pulls decoded SSE data payloads off a stream.
type eventReader struct {
	ch  chan map[string]any
	err chan error
}

func newEventReader(r io.Reader) *eventReader {
	er := &eventReader{ch: make(chan map[string]any, 16), err: make(chan error, 1)}
	go func() {
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 1024)
		for {
			n, err := r.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
				for {
					idx := bytes.Index(buf, []byte("\n\n"))
					if idx < 0 {
						break
					}
					frame := buf[:idx]
					buf = append(buf[:0], buf[idx+2:]...)
					for _, line := range bytes.Split(frame, []byte("\n")) {
						if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
							var m map[string]any
							if json.Unmarshal(data, &m) == nil {
								er.ch <- m
							}
						}
					}
				}
			}
			if err != nil {
				er.err <- err
				return
			}
		}
	}()
	return er
}

func (er *eventReader) next(timeout time.Duration) (map[string]any, error) {
	select {
	case m := <-er.ch:
		return m, nil
	case err := <-er.err:
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for event")
	}
}
