/*
Copyright 2024 NetCockpit, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth authenticates users and enforces role-based access.
// Passwords are PBKDF2 hashes, sessions are short-lived HS256 tokens
// carrying the effective permission set, and API keys trade a stored
// digest for a token-equivalent identity. Authentication failures are
// deliberately uniform: callers learn "invalid credentials" and nothing
// else.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/events"
)

// Store is the slice of the storage layer the auth server reads and
// writes.
type Store interface {
	GetUser(ctx context.Context, id int64) (*types.User, error)
	GetUserByName(ctx context.Context, username string) (*types.User, error)
	TouchUserLogin(ctx context.Context, userID int64) error
	GetUserRoles(ctx context.Context, userID int64) ([]string, error)
	GetUserPermissions(ctx context.Context, userID int64) ([]types.Permission, error)
	CreateAPIKey(ctx context.Context, p *types.UserProfile) (*types.UserProfile, error)
	GetProfileByKeyHash(ctx context.Context, hash string) (*types.UserProfile, error)
	DeleteAPIKey(ctx context.Context, userID, profileID int64) error
	TouchAPIKey(ctx context.Context, profileID int64) error
}

// ServerConfig holds the parameters to construct a Server.
type ServerConfig struct {
	// Store is the persistence layer.
	Store Store
	// Tokens issues and verifies access tokens.
	Tokens *TokenService
	// Emitter records security events. Optional.
	Emitter events.Emitter
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentAuth)
	}
	return nil
}

// Server is the authentication front: login, refresh and API key exchange
// all end in the same place, a signed access token.
type Server struct {
	c ServerConfig
}

// NewServer returns a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{c: cfg}, nil
}

// Tokens exposes the token service for the authorizer middleware.
func (s *Server) Tokens() *TokenService {
	return s.c.Tokens
}

// Session is the result of a successful authentication, serialised as the
// login response body.
type Session struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64       `json:"expires_in"`
	User      SessionUser `json:"user"`
}

// SessionUser is the identity slice of the login response.
type SessionUser struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
}

// Login authenticates a username and password. Every failure mode —
// unknown user, wrong password, deactivated account — reports the same
// AccessDenied so the endpoint cannot be used to probe accounts.
func (s *Server) Login(ctx context.Context, username, password, clientIP string) (*Session, error) {
	user, err := s.c.Store.GetUserByName(ctx, username)
	if err != nil {
		if trace.IsNotFound(err) {
			// Burn comparable time so missing users are not
			// distinguishable by latency.
			_ = VerifyPassword(decoyHash, password)
			s.emitLoginFailure(ctx, username, clientIP, "unknown user")
			return nil, trace.AccessDenied("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.emitLoginFailure(ctx, username, clientIP, "bad password")
		return nil, trace.AccessDenied("invalid credentials")
	}
	if !user.Active {
		s.emitLoginFailure(ctx, username, clientIP, "account inactive")
		return nil, trace.AccessDenied("invalid credentials")
	}

	session, err := s.newSession(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.c.Store.TouchUserLogin(ctx, user.ID); err != nil {
		s.c.Logger.WarnContext(ctx, "Failed to update last login.", "user", username, "error", err)
	}
	s.c.Emitter.Emit(ctx, &types.AuditEvent{
		Username: username,
		UserID:   &user.ID,
		Type:     types.EventUserLogin,
		Message:  "User logged in",
		IP:       clientIP,
	})
	return session, nil
}

// Refresh trades an access token for a fresh one. The presented token may
// be expired as long as its signature verifies and the account is still
// active; permissions are re-read so revocations take effect at refresh.
func (s *Server) Refresh(ctx context.Context, token, clientIP string) (*Session, error) {
	claims, err := s.c.Tokens.VerifyAllowExpired(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := s.c.Store.GetUser(ctx, claims.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	if !user.Active {
		return nil, trace.AccessDenied("invalid credentials")
	}

	session, err := s.newSession(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.c.Emitter.Emit(ctx, &types.AuditEvent{
		Username: user.Username,
		UserID:   &user.ID,
		Type:     types.EventTokenRefresh,
		Message:  "Access token refreshed",
		IP:       clientIP,
	})
	return session, nil
}

// LoginWithAPIKey authenticates a raw API key and returns a session of the
// owning user.
func (s *Server) LoginWithAPIKey(ctx context.Context, key, clientIP string) (*Session, error) {
	if !ValidAPIKeyFormat(key) {
		return nil, trace.AccessDenied("invalid credentials")
	}
	profile, err := s.c.Store.GetProfileByKeyHash(ctx, HashAPIKey(key))
	if err != nil {
		if trace.IsNotFound(err) {
			s.emitLoginFailure(ctx, "", clientIP, "unknown API key")
			return nil, trace.AccessDenied("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	user, err := s.c.Store.GetUser(ctx, profile.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	if !user.Active {
		return nil, trace.AccessDenied("invalid credentials")
	}

	session, err := s.newSession(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.c.Store.TouchAPIKey(ctx, profile.ID); err != nil {
		s.c.Logger.WarnContext(ctx, "Failed to update API key usage.", "user", user.Username, "error", err)
	}
	s.c.Emitter.Emit(ctx, &types.AuditEvent{
		Username: user.Username,
		UserID:   &user.ID,
		Type:     types.EventAPIKeyLogin,
		Message:  "API key exchanged for token",
		IP:       clientIP,
	})
	return session, nil
}

// IssueAPIKey mints a key for the user and stores its digest. The plain
// key is returned once and cannot be recovered later.
func (s *Server) IssueAPIKey(ctx context.Context, user *types.User, keyName string) (string, *types.UserProfile, error) {
	if keyName == "" {
		return "", nil, trace.BadParameter("missing key name")
	}
	plain, hash, err := GenerateAPIKey()
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	profile, err := s.c.Store.CreateAPIKey(ctx, &types.UserProfile{
		UserID:     user.ID,
		APIKeyHash: hash,
		KeyName:    keyName,
	})
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	s.c.Emitter.Emit(ctx, &types.AuditEvent{
		Username:     user.Username,
		UserID:       &user.ID,
		Type:         types.EventAPIKeyIssued,
		Message:      "API key issued",
		ResourceType: "api_key",
		ResourceName: keyName,
	})
	return plain, profile, nil
}

// RevokeAPIKey deletes a key belonging to the user.
func (s *Server) RevokeAPIKey(ctx context.Context, user *types.User, profileID int64) error {
	if err := s.c.Store.DeleteAPIKey(ctx, user.ID, profileID); err != nil {
		return trace.Wrap(err)
	}
	s.c.Emitter.Emit(ctx, &types.AuditEvent{
		Username:     user.Username,
		UserID:       &user.ID,
		Type:         types.EventAPIKeyRevoked,
		Message:      "API key revoked",
		ResourceType: "api_key",
	})
	return nil
}

// newSession assembles the token and response body for an authenticated
// user.
func (s *Server) newSession(ctx context.Context, user *types.User) (*Session, error) {
	roles, err := s.c.Store.GetUserRoles(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	perms, err := s.c.Store.GetUserPermissions(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token, _, err := s.c.Tokens.Issue(user, isAdmin(roles), perms)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Session{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.c.Tokens.TTL() / time.Second),
		User: SessionUser{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			Email:       user.Email,
			Roles:       roles,
		},
	}, nil
}

func (s *Server) emitLoginFailure(ctx context.Context, username, clientIP, reason string) {
	s.c.Emitter.Emit(ctx, &types.AuditEvent{
		Username: username,
		Type:     types.EventUserLoginFailed,
		Message:  "Login failed: " + reason,
		IP:       clientIP,
		Severity: types.SeverityWarning,
	})
}

func isAdmin(roles []string) bool {
	for _, role := range roles {
		if role == types.RoleAdmin {
			return true
		}
	}
	return false
}

// decoyHash keeps the work factor of failed lookups in line with real
// verifications.
var decoyHash = func() string {
	hash, err := HashPassword("decoy")
	if err != nil {
		return ""
	}
	return hash
}()
