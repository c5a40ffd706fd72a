/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"renscribe/internal/collab"
	"renscribe/internal/identity"
)

// sseHeartbeat is the keep-alive comment interval on event streams.
const sseHeartbeat = 15 * time.Second

// sseConn adapts a server-sent-events stream to collab.Conn. The hub calls
// Send with its mutex held, so Send never blocks: a full buffer drops the
// event and reports the client as slow.
type sseConn struct {
	ch        chan collab.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEConn() *sseConn {
	return &sseConn{
		ch:   make(chan collab.Event, 64),
		done: make(chan struct{}),
	}
}

func (c *sseConn) Send(ev collab.Event) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.ch <- ev:
		return nil
	default:
		return errors.New("client too slow, event dropped")
	}
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// serveStream pumps hub events for conn onto the wire until the client
// goes away or the hub closes the connection.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, conn *sseConn) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-conn.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("marshal event failed", "type", ev.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleProjectEvents opens a project presence stream.
func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	projectID := r.PathValue("id")
	if _, err := s.store.RoleForUser(r.Context(), projectID, claims.UserID); err != nil {
		writeError(w, http.StatusForbidden, errors.New("no access to this project"))
		return
	}
	conn := newSSEConn()
	s.hub.ConnectProject(conn, projectID, claims.UserID, claims.Username)
	defer s.hub.Disconnect(conn)
	s.serveStream(w, r, conn)
}

// handleScriptEvents opens a script collaboration stream. The editing
// session is recorded when the stream ends.
func (s *Server) handleScriptEvents(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	conn := newSSEConn()
	started := time.Now()
	s.hub.ConnectScript(conn, sc.ProjectID, sc.ID, claims.UserID, claims.Username)
	defer func() {
		s.hub.Disconnect(conn)
		// The request context is gone by now; record with a fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.store.RecordSession(ctx, sc.ID, started, time.Now(), []string{claims.UserID}); err != nil {
			s.log.Warn("session record failed", "script_id", sc.ID, "error", err)
		}
	}()
	s.serveStream(w, r, conn)
}

// handleSessionToken issues a collaboration token bound to one script, for
// clients that hand the stream URL to an embedded viewer.
func (s *Server) handleSessionToken(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	u, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	tok, err := s.ids.SessionToken(u, sc.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tok,
		"token_type": "bearer",
		"script_id":  sc.ID,
	})
}

// handleCollabSend accepts one inbound collaboration frame from a client
// whose event stream is already open.
func (s *Server) handleCollabSend(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read frame: %w", err))
		return
	}
	if err := s.hub.HandleUserMessage(sc.ID, claims.UserID, raw); err != nil {
		if errors.Is(err, collab.ErrNoSession) {
			writeError(w, http.StatusConflict, errors.New("no open event stream for this script"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
