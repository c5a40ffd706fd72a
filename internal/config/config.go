/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package config loads the renscribe server configuration from a YAML file
// in the user scope, applies defaults, and merges environment overrides.
// The JWT signing secret is not stored in the file; it lives in the OS
// keyring (or the RNS_AUTH_SECRET environment variable).
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr string `yaml:"addr"` // http bind address, e.g. ":8080"
}

type DatabaseConfig struct {
	Path       string `yaml:"path"`        // sqlite database file
	ArchiveDSN string `yaml:"archive_dsn"` // optional Postgres DSN for the version archive
}

type CollabConfig struct {
	LockTimeoutMinutes int `yaml:"lock_timeout_minutes"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

// AppConfig is the user-editable configuration persisted to a YAML file.
// Environment variables are treated as read-only overrides at runtime.
type AppConfig struct {
	ConfigVersion int            `yaml:"config_version"`
	Server        ServerConfig   `yaml:"server"`
	Database      DatabaseConfig `yaml:"database"`
	Collab        CollabConfig   `yaml:"collab"`
	Cache         CacheConfig    `yaml:"cache"`
	Logging       LoggingConfig  `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Server:        ServerConfig{Addr: ":8080"},
		Database:      DatabaseConfig{Path: "renscribe.db"},
		Collab:        CollabConfig{LockTimeoutMinutes: 5},
		Cache:         CacheConfig{MaxEntries: 50, TTLSeconds: 600},
		Logging:       LoggingConfig{Level: "info", Format: "console"},
	}
}

// Env var names used as overrides.
const (
	EnvAddr        = "RNS_ADDR"
	EnvDBPath      = "RNS_DB_PATH"
	EnvArchiveDSN  = "RNS_ARCHIVE_DSN"
	EnvLockTimeout = "RNS_LOCK_TIMEOUT_MINUTES"
	EnvAuthSecret  = "RNS_AUTH_SECRET"
	EnvLogLevel    = "RNS_LOG_LEVEL"
	EnvLogFormat   = "RNS_LOG_FORMAT"
	EnvLogSource   = "RNS_LOG_SOURCE"
	EnvLogFile     = "RNS_LOG_FILE"
)

// Service/keys for the OS keyring.
const (
	keyringService = "Renscribe"
	keyringSecret  = "auth_secret"
)

// SecretStore abstracts the keyring, so tests can stub it.
type SecretStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

var secretStore SecretStore = &osKeyring{}

// ConfigPath returns the per-user config file path.
func ConfigPath() (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "Renscribe")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "Renscribe")
	default:
		base = filepath.Join(os.Getenv("HOME"), ".config", "renscribe")
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the config file (if present), applies defaults, and merges
// environment overrides. The auth secret is resolved separately: the
// RNS_AUTH_SECRET env var wins, then the OS keyring; an empty secret is
// returned when neither is set (callers decide whether that is fatal).
func Load() (AppConfig, string, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		return cfg, "", err
	}
	if data, err := os.ReadFile(path); err == nil {
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err == nil {
			mergeInto(&cfg, &fileCfg)
		}
	}
	applyEnvOverrides(&cfg)

	secret := strings.TrimSpace(os.Getenv(EnvAuthSecret))
	if secret == "" {
		secret, _ = secretStore.Get(keyringService, keyringSecret)
	}
	return cfg, secret, nil
}

// Save writes the config YAML and persists the secret into the OS keyring
// (if non-empty).
func Save(cfg AppConfig, secret string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if secret != "" {
		if err := secretStore.Set(keyringService, keyringSecret, secret); err != nil {
			return err
		}
	}
	return nil
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if strings.TrimSpace(src.Server.Addr) != "" {
		dst.Server.Addr = strings.TrimSpace(src.Server.Addr)
	}
	if strings.TrimSpace(src.Database.Path) != "" {
		dst.Database.Path = strings.TrimSpace(src.Database.Path)
	}
	if strings.TrimSpace(src.Database.ArchiveDSN) != "" {
		dst.Database.ArchiveDSN = strings.TrimSpace(src.Database.ArchiveDSN)
	}
	if src.Collab.LockTimeoutMinutes > 0 {
		dst.Collab.LockTimeoutMinutes = src.Collab.LockTimeoutMinutes
	}
	if src.Cache.MaxEntries > 0 {
		dst.Cache.MaxEntries = src.Cache.MaxEntries
	}
	if src.Cache.TTLSeconds > 0 {
		dst.Cache.TTLSeconds = src.Cache.TTLSeconds
	}
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		cfg.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvArchiveDSN)); v != "" {
		cfg.Database.ArchiveDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLockTimeout)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Collab.LockTimeoutMinutes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		lv := strings.ToLower(v)
		cfg.Logging.Source = lv == "1" || lv == "true" || lv == "on" || lv == "yes"
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}
