/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	// Postgres driver for the optional version archive.
	_ "github.com/jackc/pgx/v5/stdlib"

	applog "renscribe/internal/log"
)

//go:embed migrations/*.sql
var archiveMigrations embed.FS

// Archive mirrors version history into a Postgres database. It is optional:
// the server runs without one when no DSN is configured, and archive
// failures must never fail the write path that triggered them.
type Archive struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenArchive connects to Postgres and applies the archive migrations in
// filename order.
func OpenArchive(ctx context.Context, dsn string) (*Archive, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "archive_open")
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("archive DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}

	if err := applyArchiveMigrations(ctx, db); err != nil {
		_ = db.Close()
		l.Error("archive migrations failed", slog.Any("err", err))
		return nil, err
	}
	l.Info("archive ready")
	return &Archive{db: db, log: applog.WithComponent("storage")}, nil
}

// Close closes the archive connection pool.
func (a *Archive) Close() error { return a.db.Close() }

func applyArchiveMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := fs.ReadDir(archiveMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sqlText, err := archiveMigrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(sqlText)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// ArchiveVersion mirrors one revision. Re-archiving the same revision is a
// no-op so the call is safe to retry.
func (a *Archive) ArchiveVersion(ctx context.Context, v Version) error {
	var author any
	if v.AuthorID != "" {
		author = v.AuthorID
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO archived_versions (id, script_id, version_number, content, author_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (script_id, version_number) DO NOTHING`,
		v.ID, v.ScriptID, v.Number, v.Content, author, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive version: %w", err)
	}
	return nil
}

// ArchivedVersions lists mirrored revisions for a script, newest first,
// without content.
func (a *Archive) ArchivedVersions(ctx context.Context, scriptID string) ([]Version, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, script_id, version_number, COALESCE(author_id,''), created_at
		 FROM archived_versions WHERE script_id=$1 ORDER BY version_number DESC`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.ScriptID, &v.Number, &v.AuthorID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan archived version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
