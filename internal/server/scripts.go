/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"renscribe/internal/export"
	"renscribe/internal/identity"
	"renscribe/internal/script"
	"renscribe/internal/storage"
)

// loadScript fetches the script and checks the caller's role on its
// project. write demands Owner or Editor. Errors are already written.
func (s *Server) loadScript(w http.ResponseWriter, r *http.Request, claims identity.Claims, write bool) (storage.Script, bool) {
	sc, err := s.store.ScriptByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("script not found"))
		return storage.Script{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return storage.Script{}, false
	}
	role, err := s.store.RoleForUser(r.Context(), sc.ProjectID, claims.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusForbidden, errors.New("no access to this project"))
		return storage.Script{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return storage.Script{}, false
	}
	if write && role != storage.RoleOwner && role != storage.RoleEditor {
		writeError(w, http.StatusForbidden, errors.New("viewer role cannot modify scripts"))
		return storage.Script{}, false
	}
	return sc, true
}

// parsedTree returns the cached choice tree for the script, parsing on a
// miss.
func (s *Server) parsedTree(sc storage.Script) *script.ChoiceNode {
	if tree := s.cache.Get(sc.ID); tree != nil {
		return tree
	}
	tree := script.ParseString(sc.Content)
	s.cache.Put(sc.ID, tree)
	return tree
}

// handleParseScript uploads a .rpy file (multipart field "file", or a raw
// body with a filename query parameter), stores it under the target
// project and returns the parsed structure. Without a project_id the
// caller's default project is used.
func (s *Server) handleParseScript(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	filename, content, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !strings.EqualFold(path.Ext(filename), ".rpy") {
		writeError(w, http.StatusBadRequest, errors.New("only .rpy files are supported"))
		return
	}

	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		p, err := s.store.EnsureDefaultProject(r.Context(), claims.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		projectID = p.ID
	} else {
		role, err := s.store.RoleForUser(r.Context(), projectID, claims.UserID)
		if err != nil || (role != storage.RoleOwner && role != storage.RoleEditor) {
			writeError(w, http.StatusForbidden, errors.New("no write access to this project"))
			return
		}
	}

	sc, err := s.store.UpsertScript(r.Context(), projectID, filename, content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.store.AddVersion(r.Context(), sc.ID, sc.Content, claims.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.cache.Invalidate(sc.ID)

	tree := s.parsedTree(sc)
	s.log.Info("script parsed", "script_id", sc.ID, "filename", sc.Filename, "labels", len(tree.Children))
	writeJSON(w, http.StatusOK, map[string]any{
		"script_id":  sc.ID,
		"project_id": sc.ProjectID,
		"filename":   sc.Filename,
		"tree":       tree,
	})
}

// readUpload extracts the filename and content from either a multipart
// form or a raw request body, enforcing the upload size cap.
func readUpload(r *http.Request) (string, string, error) {
	ct := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(ct)
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return "", "", fmt.Errorf("parse upload: %w", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return "", "", errors.New("missing file field")
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		if err != nil {
			return "", "", fmt.Errorf("read upload: %w", err)
		}
		if len(data) > maxUploadBytes {
			return "", "", errors.New("file too large")
		}
		return path.Base(hdr.Filename), string(data), nil
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		return "", "", errors.New("filename query parameter is required")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxUploadBytes {
		return "", "", errors.New("file too large")
	}
	return path.Base(filename), string(data), nil
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"script_id":  sc.ID,
		"project_id": sc.ProjectID,
		"filename":   sc.Filename,
		"updated_at": sc.UpdatedAt,
		"tree":       s.parsedTree(sc),
	})
}

// handleNodeContent returns the raw source lines of one node range.
func (s *Server) handleNodeContent(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	start, end, err := lineRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lines := script.SplitLines(sc.Content)
	if start < 0 || end >= len(lines) || start > end {
		writeError(w, http.StatusBadRequest, fmt.Errorf("line range %d-%d out of bounds (%d lines)", start, end, len(lines)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"script_id":  sc.ID,
		"start_line": start,
		"end_line":   end,
		"content":    strings.Join(lines[start:end+1], "\n"),
	})
}

func lineRange(r *http.Request) (int, int, error) {
	start, err := strconv.Atoi(r.URL.Query().Get("start_line"))
	if err != nil {
		return 0, 0, errors.New("start_line is required")
	}
	end, err := strconv.Atoi(r.URL.Query().Get("end_line"))
	if err != nil {
		return 0, 0, errors.New("end_line is required")
	}
	return start, end, nil
}

// handleUpdateNode splices replacement content over a node's line range,
// versions the result, and fans the change out to collaborators together
// with the line delta so they can shift their own ranges.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, true)
	if !ok {
		return
	}
	var req struct {
		NodeID    string `json:"node_id"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
		Content   string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lines := script.SplitLines(sc.Content)
	if req.StartLine < 0 || req.EndLine >= len(lines) || req.StartLine > req.EndLine {
		writeError(w, http.StatusBadRequest, fmt.Errorf("line range %d-%d out of bounds (%d lines)", req.StartLine, req.EndLine, len(lines)))
		return
	}
	replacement := script.SplitLines(req.Content)
	lineDiff := len(replacement) - (req.EndLine - req.StartLine + 1)

	spliced := make([]string, 0, len(lines)+lineDiff)
	spliced = append(spliced, lines[:req.StartLine]...)
	spliced = append(spliced, replacement...)
	spliced = append(spliced, lines[req.EndLine+1:]...)
	newContent := strings.Join(spliced, "\n") + "\n"

	if err := s.store.UpdateScriptContent(r.Context(), sc.ID, newContent); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	v, err := s.store.AddVersion(r.Context(), sc.ID, newContent, claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.archiveVersion(r, v)
	s.cache.Invalidate(sc.ID)

	tree := script.ParseLines(spliced)
	s.cache.Put(sc.ID, tree)
	s.hub.BroadcastNodeUpdate(sc.ID, req.NodeID, req.Content, req.StartLine, req.EndLine, lineDiff, claims.UserID)
	treeJSON, _ := json.Marshal(tree)
	s.hub.BroadcastStructureUpdate(sc.ID, treeJSON, claims.UserID)

	writeJSON(w, http.StatusOK, map[string]any{
		"script_id": sc.ID,
		"line_diff": lineDiff,
		"version":   v.Number,
		"tree":      tree,
	})
}

// handleInsertNode inserts new lines at a position and returns the
// re-parsed tree.
func (s *Server) handleInsertNode(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, true)
	if !ok {
		return
	}
	var req struct {
		ParentID string `json:"parent_id"`
		Position int    `json:"position"` // line index the new content starts at
		Content  string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	lines := script.SplitLines(sc.Content)
	pos := req.Position
	if pos < 0 {
		pos = 0
	}
	if pos > len(lines) {
		pos = len(lines)
	}
	inserted := script.SplitLines(req.Content)

	spliced := make([]string, 0, len(lines)+len(inserted))
	spliced = append(spliced, lines[:pos]...)
	spliced = append(spliced, inserted...)
	spliced = append(spliced, lines[pos:]...)
	newContent := strings.Join(spliced, "\n") + "\n"

	if err := s.store.UpdateScriptContent(r.Context(), sc.ID, newContent); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	v, err := s.store.AddVersion(r.Context(), sc.ID, newContent, claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.archiveVersion(r, v)
	s.cache.Invalidate(sc.ID)

	tree := script.ParseLines(spliced)
	s.cache.Put(sc.ID, tree)
	treeJSON, _ := json.Marshal(tree)
	s.hub.BroadcastNodeInsert(sc.ID, req.ParentID, pos, req.Content, treeJSON, claims.UserID)

	writeJSON(w, http.StatusOK, map[string]any{
		"script_id": sc.ID,
		"position":  pos,
		"line_diff": len(inserted),
		"version":   v.Number,
		"tree":      tree,
	})
}

// archiveVersion mirrors a revision into the Postgres archive when one is
// configured. Failures are logged, never surfaced.
func (s *Server) archiveVersion(r *http.Request, v storage.Version) {
	if s.archive == nil {
		return
	}
	if err := s.archive.ArchiveVersion(r.Context(), v); err != nil {
		s.log.Warn("version archive failed", "script_id", v.ScriptID, "version", v.Number, "error", err)
	}
}

func (s *Server) handleDownloadScript(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sc.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, sc.Content)
}

func (s *Server) handleExportPDF(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", strings.TrimSuffix(sc.Filename, ".rpy")+".pdf"))
	if err := export.ExportScriptPDF(w, sc.Filename, sc.Content, export.PDFOptions{}); err != nil {
		s.log.Error("pdf export failed", "script_id", sc.ID, "error", err)
	}
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, true)
	if !ok {
		return
	}
	if err := s.store.DeleteScript(r.Context(), sc.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.cache.Invalidate(sc.ID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": sc.ID})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	list, err := s.store.VersionsForScript(r.Context(), sc.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, v := range list {
		out = append(out, map[string]any{
			"version":    v.Number,
			"author_id":  v.AuthorID,
			"created_at": v.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	sc, ok := s.loadScript(w, r, claims, false)
	if !ok {
		return
	}
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid version number"))
		return
	}
	v, err := s.store.VersionByNumber(r.Context(), sc.ID, n)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("version not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    v.Number,
		"author_id":  v.AuthorID,
		"created_at": v.CreatedAt,
		"content":    v.Content,
	})
}

func (s *Server) handleSearchScripts(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, errors.New("project_id is required"))
		return
	}
	if _, err := s.store.RoleForUser(r.Context(), projectID, claims.UserID); err != nil {
		writeError(w, http.StatusForbidden, errors.New("no access to this project"))
		return
	}
	q := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	hits, err := s.store.SearchScripts(r.Context(), projectID, q, limit, offset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"script_id": h.ScriptID,
			"filename":  h.Filename,
			"snippet":   h.Snippet,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
