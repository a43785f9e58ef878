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
	"encoding/base64"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/defaults"
)

// TokenTypeAccess marks tokens issued for API access. The type claim
// keeps other token kinds from ever passing API auth.
const TokenTypeAccess = "access"

// Claims are the statements carried by an access token.
type Claims struct {
	UserID int64 `json:"user_id"`
	// Permissions is a base64 bitset over permission IDs, bit 0 reserved
	// for the admin flag.
	Permissions string `json:"perms,omitempty"`
	TokenType   string `json:"type"`
	jwt.RegisteredClaims
}

// EncodePermissionBits packs the effective permission set into the claim
// bitset: permission IDs map to their own bit positions, bit 0 flags
// admin.
func EncodePermissionBits(admin bool, perms []types.Permission) string {
	bits := new(big.Int)
	if admin {
		bits.SetBit(bits, 0, 1)
	}
	for _, p := range perms {
		if p.ID > 0 {
			bits.SetBit(bits, int(p.ID), 1)
		}
	}
	return base64.RawURLEncoding.EncodeToString(bits.Bytes())
}

// PermissionBits is the decoded claim bitset.
type PermissionBits struct {
	bits *big.Int
}

// DecodePermissionBits unpacks the perms claim.
func DecodePermissionBits(encoded string) (PermissionBits, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return PermissionBits{}, trace.BadParameter("malformed permissions claim")
	}
	return PermissionBits{bits: new(big.Int).SetBytes(raw)}, nil
}

// Admin reports whether the admin flag bit is set.
func (b PermissionBits) Admin() bool {
	return b.bits != nil && b.bits.Bit(0) == 1
}

// Has reports whether the permission's bit is set.
func (b PermissionBits) Has(permissionID int64) bool {
	return b.bits != nil && permissionID > 0 && b.bits.Bit(int(permissionID)) == 1
}

// TokenServiceConfig holds the parameters to construct a TokenService.
type TokenServiceConfig struct {
	// SecretKey signs and verifies tokens. Never persisted; comes from the
	// environment.
	SecretKey []byte
	// TokenTTL is the access token lifetime.
	TokenTTL time.Duration
	// Clock issues and validates timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TokenServiceConfig) CheckAndSetDefaults() error {
	if len(c.SecretKey) == 0 {
		return trace.BadParameter("missing parameter SecretKey")
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaults.AccessTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// TokenService issues and verifies HS256 access tokens.
type TokenService struct {
	c TokenServiceConfig
}

// NewTokenService returns a TokenService.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenService{c: cfg}, nil
}

// TTL is the configured access token lifetime.
func (t *TokenService) TTL() time.Duration {
	return t.c.TokenTTL
}

// Issue signs a fresh access token for the user carrying their effective
// permissions.
func (t *TokenService) Issue(user *types.User, admin bool, perms []types.Permission) (string, time.Time, error) {
	now := t.c.Clock.Now()
	expires := now.Add(t.c.TokenTTL)
	claims := &Claims{
		UserID:      user.ID,
		Permissions: EncodePermissionBits(admin, perms),
		TokenType:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.c.SecretKey)
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	return signed, expires, nil
}

// Verify checks signature, shape and expiry.
func (t *TokenService) Verify(tokenString string) (*Claims, error) {
	return t.parse(tokenString, true)
}

// VerifyAllowExpired checks signature and shape but tolerates an elapsed
// expiry. Token refresh runs on this so a client can trade in a token that
// just lapsed.
func (t *TokenService) VerifyAllowExpired(tokenString string) (*Claims, error) {
	return t.parse(tokenString, false)
}

func (t *TokenService) parse(tokenString string, checkExpiry bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.c.Clock.Now),
	}
	if !checkExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return t.c.SecretKey, nil
	}, opts...)
	if err != nil {
		return nil, trace.AccessDenied("invalid token")
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, trace.AccessDenied("unexpected token type %q", claims.TokenType)
	}
	if claims.Subject == "" || claims.UserID == 0 {
		return nil, trace.AccessDenied("token is missing identity claims")
	}
	return &claims, nil
}
