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

package nautobot

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/lib/defaults"
)

// Cache kinds. Lists are indexed under a fixed id so writes can
// invalidate both the entity and the collection it appears in.
const (
	kindDevice   = "device"
	kindIP       = "ip"
	kindPrefix   = "prefix"
	kindResolver = "resolver"

	listID = "list"
)

// CacheConfig configures the redis-backed gateway cache.
type CacheConfig struct {
	// Client is the shared redis client.
	Client redis.UniversalClient
	// TTL bounds entry staleness.
	TTL time.Duration
	// Prefix namespaces the cache keys.
	Prefix string
	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.TTL == 0 {
		c.TTL = defaults.NautobotCacheTTL
	}
	if c.Prefix == "" {
		c.Prefix = defaults.NautobotCachePrefix
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentNautobot)
	}
	return nil
}

// Cache stores gateway reads in redis, keyed by kind and entity id.
// Lookups and stores are best effort: a broken cache degrades to direct
// upstream reads, never to request failures.
type Cache struct {
	c CacheConfig
}

// NewCache returns a gateway cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{c: cfg}, nil
}

func (c *Cache) key(kind, id string) string {
	return c.c.Prefix + kind + ":" + id
}

// get loads the entry into out, reporting whether it was present.
func (c *Cache) get(ctx context.Context, kind, id string, out any) bool {
	data, err := c.c.Client.Get(ctx, c.key(kind, id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.c.Logger.DebugContext(ctx, "Cache read failed.", "kind", kind, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.c.Logger.WarnContext(ctx, "Evicting undecodable cache entry.", "kind", kind, "id", id, "error", err)
		c.c.Client.Del(ctx, c.key(kind, id))
		return false
	}
	return true
}

// set stores the entry with the cache TTL.
func (c *Cache) set(ctx context.Context, kind, id string, val any) {
	data, err := json.Marshal(val)
	if err != nil {
		c.c.Logger.WarnContext(ctx, "Skipping unencodable cache entry.", "kind", kind, "id", id, "error", err)
		return
	}
	if err := c.c.Client.Set(ctx, c.key(kind, id), data, c.c.TTL).Err(); err != nil {
		c.c.Logger.DebugContext(ctx, "Cache write failed.", "kind", kind, "error", err)
	}
}

// invalidate removes the entity keys and the kind's list index, called
// after any write to that entity kind.
func (c *Cache) invalidate(ctx context.Context, kind string, ids ...string) {
	keys := []string{c.key(kind, listID)}
	for _, id := range ids {
		keys = append(keys, c.key(kind, id))
	}
	if err := c.c.Client.Del(ctx, keys...).Err(); err != nil {
		c.c.Logger.DebugContext(ctx, "Cache invalidation failed.", "kind", kind, "error", err)
	}
}
