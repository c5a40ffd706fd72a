/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"testing"
)

// memSecrets stubs the OS keyring for tests.
type memSecrets struct {
	values map[string]string
}

func (m *memSecrets) Get(service, key string) (string, error) {
	v, ok := m.values[service+"/"+key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *memSecrets) Set(service, key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[service+"/"+key] = value
	return nil
}

func (m *memSecrets) Delete(service, key string) error {
	delete(m.values, service+"/"+key)
	return nil
}

func withStubSecrets(t *testing.T) *memSecrets {
	t.Helper()
	old := secretStore
	m := &memSecrets{}
	secretStore = m
	t.Cleanup(func() { secretStore = old })
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ms := withStubSecrets(t)

	cfg := Defaults()
	cfg.Server.Addr = ":9090"
	cfg.Database.Path = "/tmp/test-renscribe.db"
	cfg.Collab.LockTimeoutMinutes = 7
	if err := Save(cfg, "hunter2"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := ms.values["Renscribe/auth_secret"]; got != "hunter2" {
		t.Fatalf("secret not stored in keyring, got %q", got)
	}

	loaded, secret, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Addr != ":9090" {
		t.Fatalf("addr not round-tripped: %q", loaded.Server.Addr)
	}
	if loaded.Database.Path != "/tmp/test-renscribe.db" {
		t.Fatalf("db path not round-tripped: %q", loaded.Database.Path)
	}
	if loaded.Collab.LockTimeoutMinutes != 7 {
		t.Fatalf("lock timeout not round-tripped: %d", loaded.Collab.LockTimeoutMinutes)
	}
	if secret != "hunter2" {
		t.Fatalf("secret not round-tripped: %q", secret)
	}
}

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	withStubSecrets(t)

	cfg, secret, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	if cfg.Server.Addr != want.Server.Addr || cfg.Collab.LockTimeoutMinutes != want.Collab.LockTimeoutMinutes {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if secret != "" {
		t.Fatalf("expected empty secret, got %q", secret)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	withStubSecrets(t)
	t.Setenv(EnvAddr, ":7777")
	t.Setenv(EnvLockTimeout, "11")
	t.Setenv(EnvAuthSecret, "env-secret")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, secret, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Fatalf("env addr override ignored: %q", cfg.Server.Addr)
	}
	if cfg.Collab.LockTimeoutMinutes != 11 {
		t.Fatalf("env lock timeout override ignored: %d", cfg.Collab.LockTimeoutMinutes)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("env log level override ignored: %q", cfg.Logging.Level)
	}
	if secret != "env-secret" {
		t.Fatalf("env secret should win over keyring, got %q", secret)
	}
}
