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

// Package limiter rate-limits API requests per client IP with a token
// bucket per source address. Buckets for idle clients are evicted so the
// table stays proportional to the set of currently active clients.
package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/netcockpit/cockpit/lib/defaults"
)

// Config holds the parameters to construct a Limiter.
type Config struct {
	// Rate is the sustained requests per second allowed per client.
	Rate float64
	// Burst is the instantaneous allowance per client.
	Burst int
	// IdleTimeout is how long an unused bucket survives before eviction.
	IdleTimeout time.Duration
	// Clock is used for idle tracking.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Rate < 0 {
		return trace.BadParameter("rate must not be negative")
	}
	if c.Rate == 0 {
		c.Rate = defaults.APIRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaults.APIRateBurst
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per client IP.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
	// sweepAt is when the next idle sweep is due.
	sweepAt time.Time
}

// New returns a Limiter ready for use.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		sweepAt: cfg.Clock.Now().Add(cfg.IdleTimeout),
	}, nil
}

// Allow reports whether the client may proceed, consuming one token. The
// returned error is LimitExceeded so the web layer maps it to 429.
func (l *Limiter) Allow(clientIP string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Clock.Now()
	if now.After(l.sweepAt) {
		l.sweep(now)
	}

	b, ok := l.buckets[clientIP]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.buckets[clientIP] = b
	}
	b.lastSeen = now
	if !b.limiter.Allow() {
		return trace.LimitExceeded("rate limit exceeded for %v, slow down", clientIP)
	}
	return nil
}

// sweep drops buckets idle past the timeout. Called with the lock held.
func (l *Limiter) sweep(now time.Time) {
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTimeout {
			delete(l.buckets, ip)
		}
	}
	l.sweepAt = now.Add(l.cfg.IdleTimeout)
}

// Size reports the number of tracked clients, used by tests.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
