/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package server exposes the HTTP API: auth, project and script management,
// structure parsing, PDF export and the server-sent-events collaboration
// transport.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"renscribe/internal/collab"
	"renscribe/internal/identity"
	applog "renscribe/internal/log"
	"renscribe/internal/storage"
	"renscribe/internal/version"
)

// maxUploadBytes caps script uploads and JSON bodies.
const maxUploadBytes = 1 << 20

// Server wires the stores, identity service and collaboration hub behind
// one http.Handler.
type Server struct {
	store   *storage.Store
	archive *storage.Archive // optional, may be nil
	cache   *storage.ScriptCache
	ids     *identity.Service
	hub     *collab.Hub
	log     *slog.Logger
}

// New assembles the server. archive may be nil when no archive DSN is
// configured.
func New(store *storage.Store, archive *storage.Archive, cache *storage.ScriptCache, ids *identity.Service, hub *collab.Hub) *Server {
	return &Server{
		store:   store,
		archive: archive,
		cache:   cache,
		ids:     ids,
		hub:     hub,
		log:     applog.WithComponent("server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.DB().PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(version.String()))
	})

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/token", s.handleToken)

	mux.HandleFunc("GET /api/projects", s.withAuth(s.handleListProjects))
	mux.HandleFunc("POST /api/projects", s.withAuth(s.handleCreateProject))
	mux.HandleFunc("POST /api/projects/{id}/share", s.withAuth(s.handleShareProject))
	mux.HandleFunc("GET /api/projects/{id}/scripts", s.withAuth(s.handleProjectScripts))
	mux.HandleFunc("DELETE /api/projects/{id}", s.withAuth(s.handleDeleteProject))

	mux.HandleFunc("POST /api/scripts/parse", s.withAuth(s.handleParseScript))
	mux.HandleFunc("GET /api/scripts/search", s.withAuth(s.handleSearchScripts))
	mux.HandleFunc("GET /api/scripts/{id}", s.withAuth(s.handleGetScript))
	mux.HandleFunc("GET /api/scripts/{id}/node-content", s.withAuth(s.handleNodeContent))
	mux.HandleFunc("POST /api/scripts/{id}/update-node", s.withAuth(s.handleUpdateNode))
	mux.HandleFunc("POST /api/scripts/{id}/insert-node", s.withAuth(s.handleInsertNode))
	mux.HandleFunc("GET /api/scripts/{id}/download", s.withAuth(s.handleDownloadScript))
	mux.HandleFunc("GET /api/scripts/{id}/export.pdf", s.withAuth(s.handleExportPDF))
	mux.HandleFunc("GET /api/scripts/{id}/versions", s.withAuth(s.handleListVersions))
	mux.HandleFunc("GET /api/scripts/{id}/versions/{number}", s.withAuth(s.handleGetVersion))
	mux.HandleFunc("DELETE /api/scripts/{id}", s.withAuth(s.handleDeleteScript))

	mux.HandleFunc("GET /api/collab/project/{id}/events", s.withAuth(s.handleProjectEvents))
	mux.HandleFunc("GET /api/collab/script/{id}/events", s.withAuth(s.handleScriptEvents))
	mux.HandleFunc("POST /api/collab/script/{id}/send", s.withAuth(s.handleCollabSend))
	mux.HandleFunc("POST /api/collab/script/{id}/session", s.withAuth(s.handleSessionToken))

	return mux
}

// withAuth verifies the bearer token (header first, then the access_token
// query parameter for EventSource clients, which cannot set headers).
func (s *Server) withAuth(next func(w http.ResponseWriter, r *http.Request, claims identity.Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ""
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) >= len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			token = strings.TrimSpace(auth[len(prefix):])
		}
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		claims, err := s.ids.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		next(w, r, claims)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := s.ids.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "UNIQUE") {
			status = http.StatusConflict
			err = errors.New("username already taken")
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":  u.ID,
		"username": u.Username,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := s.ids.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, identity.ErrInvalidCredentials)
		return
	}
	tok, err := s.ids.Token(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tok,
		"token_type": "bearer",
		"user_id":    u.ID,
		"username":   u.Username,
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	list, err := s.store.ProjectsForUser(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		out = append(out, map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"description": p.Description,
			"owner_id":    p.OwnerID,
			"created_at":  p.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.store.CreateProject(r.Context(), req.Name, req.Description, claims.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"owner_id":    p.OwnerID,
	})
}

func (s *Server) handleShareProject(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	projectID := r.PathValue("id")
	role, err := s.store.RoleForUser(r.Context(), projectID, claims.UserID)
	if err != nil || role != storage.RoleOwner {
		writeError(w, http.StatusForbidden, errors.New("only the owner can share a project"))
		return
	}
	var req struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Role != storage.RoleEditor && req.Role != storage.RoleViewer {
		writeError(w, http.StatusBadRequest, fmt.Errorf("role must be %s or %s", storage.RoleEditor, storage.RoleViewer))
		return
	}
	target, err := s.store.UserByUsername(r.Context(), req.Username)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("user not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.ShareProject(r.Context(), projectID, target.ID, req.Role); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"user_id":    target.ID,
		"role":       req.Role,
	})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	projectID := r.PathValue("id")
	role, err := s.store.RoleForUser(r.Context(), projectID, claims.UserID)
	if err != nil || role != storage.RoleOwner {
		writeError(w, http.StatusForbidden, errors.New("only the owner can delete a project"))
		return
	}
	scripts, err := s.store.ScriptsForProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.DeleteProject(r.Context(), projectID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, sc := range scripts {
		s.cache.Invalidate(sc.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": projectID})
}

func (s *Server) handleProjectScripts(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	projectID := r.PathValue("id")
	if _, err := s.store.RoleForUser(r.Context(), projectID, claims.UserID); err != nil {
		writeError(w, http.StatusForbidden, errors.New("no access to this project"))
		return
	}
	list, err := s.store.ScriptsForProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, sc := range list {
		out = append(out, map[string]any{
			"script_id":  sc.ID,
			"filename":   sc.Filename,
			"updated_at": sc.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxUploadBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
