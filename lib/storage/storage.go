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

// Package storage implements the PostgreSQL persistence layer: declarative
// schema synchronisation, versioned migrations and the per-entity
// repositories the rest of the control plane is built on.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/netcockpit/cockpit"
)

// Pool is the subset of pgxpool.Pool the store depends on. Tests substitute
// a pgxmock pool.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Config holds the parameters to open a store.
type Config struct {
	// ConnString is a PostgreSQL connection string, URL or DSN form.
	ConnString string
	// Log is the parent logger; a component child is derived from it.
	Log *slog.Logger
	// Clock is used for all timestamps written by the store.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing parameter ConnString")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store provides access to all persisted entities.
type Store struct {
	pool  Pool
	log   *slog.Logger
	clock clockwork.Clock
}

// New connects to PostgreSQL and returns a ready store. It does not touch
// the schema; callers run RunMigrations explicitly.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err, "parsing connection string")
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, trace.Wrap(err, "connecting to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err, "pinging postgres")
	}
	return &Store{
		pool:  pool,
		log:   cfg.Log.With(cockpit.ComponentKey, cockpit.ComponentStorage),
		clock: cfg.Clock,
	}, nil
}

// NewWithPool wraps an existing pool, used by tests with pgxmock.
func NewWithPool(pool Pool, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		pool:  pool,
		log:   slog.Default().With(cockpit.ComponentKey, cockpit.ComponentStorage),
		clock: clock,
	}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return trace.Wrap(s.pool.Ping(ctx))
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// postgres error codes the store distinguishes
const (
	pgCodeUniqueViolation     = "23505"
	pgCodeForeignKeyViolation = "23503"
)

// convertError maps driver errors onto the trace taxonomy so callers can
// branch on trace.IsNotFound and friends.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeUniqueViolation:
			return trace.AlreadyExists("already exists: %s", pgErr.Detail)
		case pgCodeForeignKeyViolation:
			return trace.BadParameter("referenced row does not exist: %s", pgErr.Detail)
		}
	}
	return trace.Wrap(err)
}
