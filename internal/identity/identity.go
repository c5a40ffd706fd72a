/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package identity handles accounts and bearer tokens: bcrypt password
// hashing and HS256-signed JWTs carrying the user identity, optionally
// scoped to one script for collaboration sessions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	applog "renscribe/internal/log"
	"renscribe/internal/storage"
)

// DefaultTokenTTL is the identity token lifetime.
const DefaultTokenTTL = 30 * time.Minute

var (
	// ErrInvalidCredentials hides whether the account or password failed.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrInvalidToken covers expired, malformed and mis-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakPassword is returned for passwords under the minimum length.
	ErrWeakPassword = errors.New("password must be at least 8 characters")
)

// Claims is the verified content of a bearer token.
type Claims struct {
	UserID   string
	Username string
	ScriptID string // set only on collaboration session tokens
}

type tokenClaims struct {
	Username string `json:"name,omitempty"`
	ScriptID string `json:"script_id,omitempty"`
	jwt.RegisteredClaims
}

// Service implements registration, login and token issuance on top of the
// store.
type Service struct {
	store    *storage.Store
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewService creates the identity service. The signing secret must be
// non-empty; the server refuses to start without one.
func NewService(store *storage.Store, secret string, tokenTTL time.Duration) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Service{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		now:      time.Now,
		log:      applog.WithComponent("identity"),
	}, nil
}

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, email, password string) (storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.User{}, errors.New("username is required")
	}
	if len(password) < 8 {
		return storage.User{}, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.store.CreateUser(ctx, username, email, string(hash))
	if err != nil {
		return storage.User{}, err
	}
	s.log.Info("user registered", "user_id", u.ID, "username", u.Username)
	return u, nil
}

// Authenticate checks the password and returns the account on success.
func (s *Service) Authenticate(ctx context.Context, username, password string) (storage.User, error) {
	u, err := s.store.UserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, storage.ErrNotFound) {
		// Burn comparable time so missing accounts are not distinguishable.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0xB09yOeuDgyQpW0Dn1J4kLJyiW"), []byte(password))
		return storage.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return storage.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return storage.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Token issues an identity token for the user.
func (s *Service) Token(u storage.User) (string, error) {
	return s.sign(u, "")
}

// SessionToken issues a token scoped to one script's collaboration session.
func (s *Service) SessionToken(u storage.User, scriptID string) (string, error) {
	return s.sign(u, scriptID)
}

func (s *Service) sign(u storage.User, scriptID string) (string, error) {
	now := s.now()
	claims := tokenClaims{
		Username: u.Username,
		ScriptID: scriptID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			Issuer:    "renscribe",
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// Verify parses and validates a bearer token.
func (s *Service) Verify(token string) (Claims, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer("renscribe"))
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		UserID:   claims.Subject,
		Username: claims.Username,
		ScriptID: claims.ScriptID,
	}, nil
}
