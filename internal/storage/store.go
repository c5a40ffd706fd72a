/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package storage persists users, projects, scripts and version history in
// an embedded SQLite database, with full-text search over script content.
// An optional Postgres archive (archive.go) mirrors version history for
// long-term retention.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	applog "renscribe/internal/log"
	"renscribe/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

// schemaVersion tracks the SQLite schema. Bump it when performing breaking
// schema changes and add a migration step.
const schemaVersion = 2

// Role names seeded into the roles table.
const (
	RoleOwner  = "Owner"
	RoleEditor = "Editor"
	RoleViewer = "Viewer"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// User is an account able to own and collaborate on projects.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Project groups scripts under one owner plus any number of shared users.
type Project struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	CreatedAt   time.Time
}

// Script is one .rpy source file inside a project.
type Script struct {
	ID        string
	ProjectID string
	Filename  string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Version is one saved revision of a script.
type Version struct {
	ID        string
	ScriptID  string
	Number    int
	Content   string
	AuthorID  string
	CreatedAt time.Time
}

// SearchHit is one full-text match inside a script.
type SearchHit struct {
	ScriptID string
	Filename string
	Snippet  string
}

// Store wraps the embedded SQLite database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the database at path, enables WAL mode, ensures
// the schema and runs migrations. Close the store when done.
func Open(path string) (*Store, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "open").With(
		slog.String("path", path),
	)
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		l.Error("enable WAL failed", slog.Any("err", err))
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		l.Warn("enable foreign_keys failed", slog.Any("err", err))
	}

	if err := ensureMetaAndVersion(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure meta/version failed", slog.Any("err", err))
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure schema failed", slog.Any("err", err))
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		l.Error("run migrations failed", slog.Any("err", err))
		return nil, err
	}

	l.Info("database ready")
	return &Store{db: db, log: applog.WithComponent("storage")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var curSchema int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&curSchema)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, ?, ?, ?, ?)`, schemaVersion, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS roles (
			id   INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		);`,

		`CREATE TABLE IF NOT EXISTS projects (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT,
			owner_id    TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			FOREIGN KEY(owner_id) REFERENCES users(id)
		);`,

		`CREATE TABLE IF NOT EXISTS project_access (
			project_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role_id    INTEGER NOT NULL,
			PRIMARY KEY(project_id, user_id),
			FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id)    REFERENCES users(id)    ON DELETE CASCADE,
			FOREIGN KEY(role_id)    REFERENCES roles(id)
		);`,

		`CREATE TABLE IF NOT EXISTS scripts (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			filename   TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(project_id, filename),
			FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS versions (
			id             TEXT PRIMARY KEY,
			script_id      TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			content        TEXT NOT NULL,
			author_id      TEXT,
			created_at     TEXT NOT NULL,
			UNIQUE(script_id, version_number),
			FOREIGN KEY(script_id) REFERENCES scripts(id) ON DELETE CASCADE
		);`,

		// Editing session history, for auditing who worked on what.
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			script_id  TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			FOREIGN KEY(script_id) REFERENCES scripts(id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS participants (
			session_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			joined_at  TEXT NOT NULL,
			PRIMARY KEY(session_id, user_id),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id)    REFERENCES users(id)
		);`,

		// Contentless FTS5 index fed from scripts via triggers.
		`CREATE VIRTUAL TABLE IF NOT EXISTS fts_scripts USING fts5(
			content,
			content='',
			tokenize = 'unicode61'
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS scripts_ai AFTER INSERT ON scripts BEGIN
			INSERT INTO fts_scripts(rowid, content) VALUES (new.rowid, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS scripts_ad AFTER DELETE ON scripts BEGIN
			INSERT INTO fts_scripts(fts_scripts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS scripts_au AFTER UPDATE OF content ON scripts BEGIN
			INSERT INTO fts_scripts(fts_scripts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO fts_scripts(rowid, content) VALUES (new.rowid, new.content);
		END;`,
	}
	for _, q := range triggers {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure fts triggers: %w", err)
		}
	}
	// Seed the fixed role set.
	for i, name := range []string{RoleOwner, RoleEditor, RoleViewer} {
		if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO roles (id, name) VALUES (?, ?)`, i+1, name); err != nil {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
	}
	return nil
}

// runMigrations applies incremental schema migrations up to schemaVersion.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if cur > schemaVersion {
		// Do not downgrade.
		return nil
	}
	for cur < schemaVersion {
		next := cur + 1
		switch next {
		case 2:
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin migration %d: %w", next, err)
			}
			stmts := []string{
				`CREATE INDEX IF NOT EXISTS idx_scripts_project ON scripts(project_id);`,
				`CREATE INDEX IF NOT EXISTS idx_versions_script ON versions(script_id, version_number);`,
				`CREATE INDEX IF NOT EXISTS idx_access_user ON project_access(user_id);`,
			}
			for _, q := range stmts {
				if _, err := tx.ExecContext(ctx, q); err != nil {
					_ = tx.Rollback()
					return fmt.Errorf("migration %d stmt failed: %w", next, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d update version: %w", next, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("migration %d commit: %w", next, err)
			}
		default:
			// Unknown future step.
		}
		cur = next
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// CreateUser inserts a new account. The password must already be hashed.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(username),
		Email:        strings.TrimSpace(email),
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	if u.Username == "" {
		return User{}, errors.New("username is required")
	}
	var emailArg any
	if u.Email != "" {
		emailArg = u.Email
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Username, emailArg, u.PasswordHash, u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// UserByUsername looks an account up by name.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, COALESCE(email,''), password_hash, created_at FROM users WHERE username=?`, username))
}

// UserByID looks an account up by id.
func (s *Store) UserByID(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, COALESCE(email,''), password_hash, created_at FROM users WHERE id=?`, id))
}

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var u User
	var created string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

// CreateProject inserts a project and grants the owner the Owner role.
func (s *Store) CreateProject(ctx context.Context, name, description, ownerID string) (Project, error) {
	p := Project{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   time.Now().UTC(),
	}
	if p.Name == "" {
		return Project{}, errors.New("project name is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, owner_id, created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.OwnerID, p.CreatedAt.Format(time.RFC3339)); err != nil {
		_ = tx.Rollback()
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_access (project_id, user_id, role_id)
		 SELECT ?, ?, id FROM roles WHERE name=?`,
		p.ID, p.OwnerID, RoleOwner); err != nil {
		_ = tx.Rollback()
		return Project{}, fmt.Errorf("grant owner access: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit: %w", err)
	}
	s.log.Info("project created", "project_id", p.ID, "owner_id", p.OwnerID)
	return p, nil
}

// ProjectByID fetches one project.
func (s *Store) ProjectByID(ctx context.Context, id string) (Project, error) {
	var p Project
	var created string
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, owner_id, created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &desc, &p.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("scan project: %w", err)
	}
	p.Description = desc.String
	p.CreatedAt = parseTime(created)
	return p, nil
}

// ProjectsForUser lists all projects the user can access, owned first.
func (s *Store) ProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.description, p.owner_id, p.created_at
		 FROM projects p
		 JOIN project_access a ON a.project_id = p.id
		 WHERE a.user_id = ?
		 ORDER BY (p.owner_id = ?) DESC, p.created_at`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		var created string
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.OwnerID, &created); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Description = desc.String
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// EnsureDefaultProject returns the user's "Default Project", creating it on
// first use. Parse requests without an explicit project land here.
func (s *Store) EnsureDefaultProject(ctx context.Context, ownerID string) (Project, error) {
	var p Project
	var created string
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, owner_id, created_at FROM projects WHERE owner_id=? AND name=?`,
		ownerID, "Default Project").
		Scan(&p.ID, &p.Name, &desc, &p.OwnerID, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.CreateProject(ctx, "Default Project", "Scratch space for unassigned scripts", ownerID)
	case err != nil:
		return Project{}, fmt.Errorf("find default project: %w", err)
	}
	p.Description = desc.String
	p.CreatedAt = parseTime(created)
	return p, nil
}

// ShareProject grants (or changes) a user's role on a project.
func (s *Store) ShareProject(ctx context.Context, projectID, userID, roleName string) error {
	var roleID int
	err := s.db.QueryRowContext(ctx, `SELECT id FROM roles WHERE name=?`, roleName).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("share project: unknown role %q", roleName)
	}
	if err != nil {
		return fmt.Errorf("share project: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO project_access (project_id, user_id, role_id) VALUES (?,?,?)
		 ON CONFLICT(project_id, user_id) DO UPDATE SET role_id=excluded.role_id`,
		projectID, userID, roleID); err != nil {
		return fmt.Errorf("share project: %w", err)
	}
	s.log.Info("project shared", "project_id", projectID, "user_id", userID, "role", roleName)
	return nil
}

// DeleteProject removes the project with all its scripts, versions and
// access grants. Scripts go first so the FTS triggers fire; foreign keys
// cascade the rest.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scripts WHERE project_id=?`, projectID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete project scripts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, projectID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Info("project deleted", "project_id", projectID)
	return nil
}

// RoleForUser returns the user's role name on the project, or ErrNotFound.
func (s *Store) RoleForUser(ctx context.Context, projectID, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT r.name FROM project_access a JOIN roles r ON r.id = a.role_id
		 WHERE a.project_id=? AND a.user_id=?`, projectID, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query role: %w", err)
	}
	return name, nil
}

// UpsertScript stores a script under (project, filename), replacing the
// content if the file was uploaded before, and returns the stored row.
func (s *Store) UpsertScript(ctx context.Context, projectID, filename, content string) (Script, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return Script{}, errors.New("filename is required")
	}
	ts := now()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (id, project_id, filename, content, created_at, updated_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(project_id, filename) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at`,
		id, projectID, filename, content, ts, ts)
	if err != nil {
		return Script{}, fmt.Errorf("upsert script: %w", err)
	}
	return s.scriptBy(ctx, `project_id=? AND filename=?`, projectID, filename)
}

// ScriptByID fetches one script.
func (s *Store) ScriptByID(ctx context.Context, id string) (Script, error) {
	return s.scriptBy(ctx, `id=?`, id)
}

func (s *Store) scriptBy(ctx context.Context, where string, args ...any) (Script, error) {
	var sc Script
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, filename, content, created_at, updated_at FROM scripts WHERE `+where, args...).
		Scan(&sc.ID, &sc.ProjectID, &sc.Filename, &sc.Content, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Script{}, ErrNotFound
	}
	if err != nil {
		return Script{}, fmt.Errorf("scan script: %w", err)
	}
	sc.CreatedAt = parseTime(created)
	sc.UpdatedAt = parseTime(updated)
	return sc, nil
}

// ScriptsForProject lists a project's scripts without their content.
func (s *Store) ScriptsForProject(ctx context.Context, projectID string) ([]Script, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, filename, created_at, updated_at FROM scripts WHERE project_id=? ORDER BY filename`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query scripts: %w", err)
	}
	defer rows.Close()
	var out []Script
	for rows.Next() {
		var sc Script
		var created, updated string
		if err := rows.Scan(&sc.ID, &sc.ProjectID, &sc.Filename, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		sc.CreatedAt = parseTime(created)
		sc.UpdatedAt = parseTime(updated)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScriptContent replaces a script's content.
func (s *Store) UpdateScriptContent(ctx context.Context, scriptID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scripts SET content=?, updated_at=? WHERE id=?`, content, now(), scriptID)
	if err != nil {
		return fmt.Errorf("update script: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScript removes a script and, via cascade, its versions.
func (s *Store) DeleteScript(ctx context.Context, scriptID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id=?`, scriptID)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.log.Info("script deleted", "script_id", scriptID)
	return nil
}

// AddVersion appends a new revision with the next version number.
func (s *Store) AddVersion(ctx context.Context, scriptID, content, authorID string) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin tx: %w", err)
	}
	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number),0)+1 FROM versions WHERE script_id=?`, scriptID).Scan(&next); err != nil {
		_ = tx.Rollback()
		return Version{}, fmt.Errorf("next version number: %w", err)
	}
	v := Version{
		ID:        uuid.NewString(),
		ScriptID:  scriptID,
		Number:    next,
		Content:   content,
		AuthorID:  authorID,
		CreatedAt: time.Now().UTC(),
	}
	var author any
	if v.AuthorID != "" {
		author = v.AuthorID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (id, script_id, version_number, content, author_id, created_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.ScriptID, v.Number, v.Content, author, v.CreatedAt.Format(time.RFC3339)); err != nil {
		_ = tx.Rollback()
		return Version{}, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit: %w", err)
	}
	return v, nil
}

// VersionsForScript lists revisions newest first, without content.
func (s *Store) VersionsForScript(ctx context.Context, scriptID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, script_id, version_number, COALESCE(author_id,''), created_at
		 FROM versions WHERE script_id=? ORDER BY version_number DESC`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		var v Version
		var created string
		if err := rows.Scan(&v.ID, &v.ScriptID, &v.Number, &v.AuthorID, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.CreatedAt = parseTime(created)
		out = append(out, v)
	}
	return out, rows.Err()
}

// VersionByNumber fetches one revision with content.
func (s *Store) VersionByNumber(ctx context.Context, scriptID string, number int) (Version, error) {
	var v Version
	var created string
	var author sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, script_id, version_number, content, author_id, created_at
		 FROM versions WHERE script_id=? AND version_number=?`, scriptID, number).
		Scan(&v.ID, &v.ScriptID, &v.Number, &v.Content, &author, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("scan version: %w", err)
	}
	v.AuthorID = author.String
	v.CreatedAt = parseTime(created)
	return v, nil
}

// RecordSession stores an editing session with its participants for audit.
func (s *Store) RecordSession(ctx context.Context, scriptID string, startedAt, endedAt time.Time, participantIDs []string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	id := uuid.NewString()
	var ended any
	if !endedAt.IsZero() {
		ended = endedAt.UTC().Format(time.RFC3339)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, script_id, started_at, ended_at) VALUES (?,?,?,?)`,
		id, scriptID, startedAt.UTC().Format(time.RFC3339), ended); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("insert session: %w", err)
	}
	for _, uid := range participantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO participants (session_id, user_id, joined_at) VALUES (?,?,?)`,
			id, uid, startedAt.UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return "", fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// SearchScripts runs a full-text query over script content inside one
// project. The query uses FTS5 syntax; matches come back with a
// bracket-highlighted snippet.
func (s *Store) SearchScripts(ctx context.Context, projectID, query string, limit, offset int) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sc.id, sc.filename, snippet(fts_scripts, 0, '[', ']', '...', 10)
		 FROM fts_scripts
		 JOIN scripts sc ON fts_scripts.rowid = sc.rowid
		 WHERE fts_scripts MATCH ? AND sc.project_id = ?
		 ORDER BY sc.filename
		 LIMIT ? OFFSET ?`, query, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()
	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ScriptID, &h.Filename, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
