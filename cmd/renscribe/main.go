/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"renscribe/internal/collab"
	"renscribe/internal/config"
	"renscribe/internal/identity"
	applog "renscribe/internal/log"
	"renscribe/internal/script"
	"renscribe/internal/server"
	"renscribe/internal/storage"
	"renscribe/internal/version"
)

func usage() {
	fmt.Println("Renscribe — collaborative visual novel script server")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  renscribe version|-v|--version        Show version")
	fmt.Println("  renscribe serve                        Start the HTTP server")
	fmt.Println("  renscribe parse <file.rpy>             Parse a script and print its structure as JSON")
	fmt.Println("  renscribe config init                  Write the default config file")
}

func main() {
	cfg, secret, cfgErr := config.Load()
	applog.Init(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
	})
	l := applog.WithComponent("cli")
	if cfgErr != nil {
		l.Warn("config load failed, using defaults", slog.Any("err", cfgErr))
	}

	args := os.Args
	if len(args) > 1 {
		switch args[1] {
		case "version", "--version", "-v":
			fmt.Println("Renscribe — collaborative visual novel script server")
			fmt.Println(version.String())
			return
		case "serve":
			if err := serve(cfg, secret, l); err != nil {
				l.Error("serve failed", slog.Any("err", err))
				fmt.Println("Error:", err)
				os.Exit(1)
			}
			return
		case "parse":
			if len(args) < 3 {
				fmt.Println("parse requires <file.rpy>")
				usage()
				os.Exit(2)
			}
			abs, _ := filepath.Abs(args[2])
			tree, err := script.ParseFile(abs)
			if err != nil {
				l.Error("parse failed", slog.String("file", abs), slog.Any("err", err))
				fmt.Println("Error:", err)
				os.Exit(1)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(tree); err != nil {
				fmt.Println("Error:", err)
				os.Exit(1)
			}
			return
		case "config":
			if len(args) < 3 || args[2] != "init" {
				usage()
				os.Exit(2)
			}
			if err := config.Save(config.Defaults(), ""); err != nil {
				fmt.Println("Error:", err)
				os.Exit(1)
			}
			path, _ := config.ConfigPath()
			fmt.Println("Wrote default config to", path)
			return
		}
	}

	usage()
}

func serve(cfg config.AppConfig, secret string, l *slog.Logger) error {
	if secret == "" {
		return errors.New("no auth secret configured: set " + config.EnvAuthSecret + " or store one in the keyring")
	}

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archive *storage.Archive
	if cfg.Database.ArchiveDSN != "" {
		archive, err = storage.OpenArchive(ctx, cfg.Database.ArchiveDSN)
		if err != nil {
			// The archive is best effort, the server runs without it.
			l.Warn("version archive unavailable", slog.Any("err", err))
		} else {
			defer archive.Close()
		}
	}

	ids, err := identity.NewService(store, secret, identity.DefaultTokenTTL)
	if err != nil {
		return err
	}
	cache := storage.NewScriptCache(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	hub := collab.NewHub(time.Duration(cfg.Collab.LockTimeoutMinutes) * time.Minute)
	srv := server.New(store, archive, cache, ids, hub)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("listening", slog.String("addr", cfg.Server.Addr), slog.String("db", cfg.Database.Path))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	l.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}
