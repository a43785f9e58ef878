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

package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
)

// Identity is an authenticated caller as seen by request handlers.
type Identity struct {
	Username string
	UserID   int64
	// Admin short-circuits every permission check.
	Admin bool

	bits PermissionBits
}

// Catalog resolves the permission table, implemented by *storage.Store.
type Catalog interface {
	ListPermissions(ctx context.Context) ([]types.Permission, error)
}

// AuthorizerConfig holds the parameters to construct an Authorizer.
type AuthorizerConfig struct {
	// Tokens verifies presented access tokens.
	Tokens *TokenService
	// Catalog maps (resource, action) to permission IDs.
	Catalog Catalog
	// RefreshInterval bounds how often the catalog is re-read. The
	// permission table only changes at migration time, so staleness here
	// is a non-event.
	RefreshInterval time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AuthorizerConfig) CheckAndSetDefaults() error {
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.Catalog == nil {
		return trace.BadParameter("missing parameter Catalog")
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentAuth)
	}
	return nil
}

// Authorizer turns bearer tokens into identities and enforces
// (resource, action) access against the token's permission bitset.
type Authorizer struct {
	c AuthorizerConfig

	mu       sync.RWMutex
	byKey    map[string]int64
	loadedAt time.Time
}

// NewAuthorizer returns an Authorizer.
func NewAuthorizer(cfg AuthorizerConfig) (*Authorizer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authorizer{c: cfg, byKey: make(map[string]int64)}, nil
}

// Authenticate verifies a bearer token and returns the caller identity.
func (a *Authorizer) Authenticate(ctx context.Context, token string) (*Identity, error) {
	claims, err := a.c.Tokens.Verify(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bits, err := DecodePermissionBits(claims.Permissions)
	if err != nil {
		return nil, trace.AccessDenied("invalid token")
	}
	return &Identity{
		Username: claims.Subject,
		UserID:   claims.UserID,
		Admin:    bits.Admin(),
		bits:     bits,
	}, nil
}

// CheckAccess enforces that the identity holds (resource, action). Admins
// pass unconditionally; everyone else must carry the permission's bit.
func (a *Authorizer) CheckAccess(ctx context.Context, identity *Identity, resource, action string) error {
	if identity == nil {
		return trace.AccessDenied("access denied to %v:%v", resource, action)
	}
	if identity.Admin {
		return nil
	}
	id, err := a.permissionID(ctx, resource, action)
	if err != nil {
		return trace.Wrap(err)
	}
	if id == 0 || !identity.bits.Has(id) {
		return trace.AccessDenied("access denied to %v:%v", resource, action)
	}
	return nil
}

// permissionID resolves a (resource, action) tuple through the cached
// catalog, re-reading it when the entry is missing and the cache is stale.
func (a *Authorizer) permissionID(ctx context.Context, resource, action string) (int64, error) {
	key := types.Permission{Resource: resource, Action: action}.Key()

	a.mu.RLock()
	id, ok := a.byKey[key]
	fresh := a.c.Clock.Now().Sub(a.loadedAt) < a.c.RefreshInterval
	a.mu.RUnlock()
	if ok || fresh {
		return id, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byKey[key]; ok {
		return id, nil
	}
	perms, err := a.c.Catalog.ListPermissions(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	byKey := make(map[string]int64, len(perms))
	for _, p := range perms {
		byKey[p.Key()] = p.ID
	}
	a.byKey = byKey
	a.loadedAt = a.c.Clock.Now()
	return a.byKey[key], nil
}
