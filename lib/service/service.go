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

// Package service assembles the control plane. A Process owns every shared
// component (store, redis, broker, gateways, auth) constructed once at
// boot and torn down at shutdown; the configured roles decide which loops
// run on top of them: the API frontend, the task workers, the schedule
// evaluator. One process can carry any combination of roles.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/agentbus"
	"github.com/netcockpit/cockpit/lib/auth"
	"github.com/netcockpit/cockpit/lib/broker"
	"github.com/netcockpit/cockpit/lib/checkmk"
	"github.com/netcockpit/cockpit/lib/defaults"
	"github.com/netcockpit/cockpit/lib/events"
	"github.com/netcockpit/cockpit/lib/gitrepos"
	"github.com/netcockpit/cockpit/lib/jobs"
	"github.com/netcockpit/cockpit/lib/jobs/executors"
	"github.com/netcockpit/cockpit/lib/nautobot"
	"github.com/netcockpit/cockpit/lib/reconciler"
	"github.com/netcockpit/cockpit/lib/scheduler"
	"github.com/netcockpit/cockpit/lib/storage"
	"github.com/netcockpit/cockpit/lib/vault"
	"github.com/netcockpit/cockpit/lib/web"
	"github.com/netcockpit/cockpit/lib/worker"
)

// Process is a running control plane instance: the shared components plus
// the role loops selected by the config.
type Process struct {
	Config *Config

	Store    *storage.Store
	Redis    redis.UniversalClient
	Broker   *broker.Broker
	Vault    *vault.Vault
	Nautobot *nautobot.Client
	CheckMK  *checkmk.Client
	Bus      *agentbus.Bus
	Emitter  events.Emitter
	Engine   *jobs.Engine

	web       *http.Server
	worker    *worker.Worker
	scheduler *scheduler.Scheduler

	log *slog.Logger
}

// NewProcess connects to the database and redis, runs schema
// reconciliation and migrations, loads the data-driven broker topology,
// and wires every component the configured roles need. It does not start
// any loop; call Run.
func NewProcess(ctx context.Context, cfg *Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := cfg.Log

	store, err := storage.New(ctx, storage.Config{
		ConnString: cfg.DatabaseURL,
		Log:        log,
		Clock:      cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	report, err := store.RunMigrations(ctx)
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err, "running migrations")
	}
	if len(report.MigrationsApplied) > 0 {
		log.InfoContext(ctx, "Applied pending migrations.", "migrations", report.MigrationsApplied)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		store.Close()
		return nil, trace.BadParameter("malformed redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		store.Close()
		return nil, trace.ConnectionProblem(err, "pinging redis at %v", redisOpts.Addr)
	}

	p := &Process{
		Config: cfg,
		Store:  store,
		Redis:  redisClient,
		log:    log,
	}

	p.Vault, err = vault.New(cfg.SecretKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	emitter, err := events.NewEmitter(events.EmitterConfig{Recorder: store, Clock: cfg.Clock, Logger: log})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.Emitter = emitter

	// Broker topology is data-driven: the file config seeds it, the
	// settings table overrides it, so a queue added through the API is
	// picked up on the next boot without touching files.
	brokerCfg := cfg.Broker
	var stored types.BrokerSettings
	if err := store.GetSettingInto(ctx, types.SettingsBroker, &stored); err == nil {
		brokerCfg = mergeBrokerSettings(brokerCfg, stored)
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err, "loading broker settings")
	}
	p.Broker, err = broker.New(broker.Config{
		Client:       redisClient,
		Log:          log,
		Clock:        cfg.Clock,
		DefaultQueue: brokerCfg.DefaultQueue,
		Routes:       brokerCfg.Routes,
		ResultTTL:    brokerCfg.ResultTTL,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Broker = brokerCfg

	cache, err := nautobot.NewCache(nautobot.CacheConfig{
		Client: redisClient,
		TTL:    cfg.Nautobot.CacheTTL,
		Logger: log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.Nautobot, err = nautobot.NewClient(nautobot.ClientConfig{
		BaseURL:            cfg.Nautobot.URL,
		Token:              cfg.Nautobot.Token,
		InsecureSkipVerify: !cfg.Nautobot.VerifySSL,
		Cache:              cache,
		Clock:              cfg.Clock,
		Logger:             log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var recon *reconciler.Reconciler
	if cfg.CheckMK.URL != "" {
		p.CheckMK, err = checkmk.NewClient(checkmk.ClientConfig{
			BaseURL:            cfg.CheckMK.URL,
			Site:               cfg.CheckMK.Site,
			Username:           cfg.CheckMK.Username,
			Secret:             cfg.CheckMK.Secret,
			InsecureSkipVerify: !cfg.CheckMK.VerifySSL,
			Clock:              cfg.Clock,
			Logger:             log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var mapping *reconciler.SNMPMapping
		if cfg.CheckMK.SNMPMappingFile != "" {
			mapping, err = reconciler.LoadSNMPMapping(cfg.CheckMK.SNMPMappingFile)
			if err != nil {
				return nil, trace.Wrap(err, "loading SNMP mapping")
			}
		}
		recon, err = reconciler.New(reconciler.Config{
			Devices:          p.Nautobot,
			Monitoring:       p.CheckMK,
			Results:          store,
			Site:             cfg.CheckMK.Site,
			FolderTemplate:   cfg.CheckMK.FolderTemplate,
			IgnoreAttributes: cfg.CheckMK.IgnoreAttributes,
			SNMPMapping:      mapping,
			SNMPCustomField:  cfg.CheckMK.SNMPCustomFieldID,
			Logger:           log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else {
		log.WarnContext(ctx, "CheckMK is not configured; sync and compare jobs will fail.")
	}

	p.Bus, err = agentbus.New(agentbus.Config{
		Client: redisClient,
		Store:  store,
		Clock:  cfg.Clock,
		Logger: log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	git, err := gitrepos.NewManager(gitrepos.ManagerConfig{
		BaseDir: cfg.Git.WorkDir,
		Clock:   cfg.Clock,
		Logger:  log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.Engine, err = jobs.New(jobs.Config{
		Broker: p.Broker,
		Deps: &executors.Deps{
			Store:      store,
			Vault:      p.Vault,
			Nautobot:   p.Nautobot,
			CheckMK:    p.CheckMK,
			Git:        git,
			Bus:        p.Bus,
			Reconciler: recon,
			Clock:      cfg.Clock,
			Log:        log,
		},
		Clock: cfg.Clock,
		Log:   log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := p.seedInitialCredential(ctx); err != nil {
		return nil, trace.Wrap(err)
	}

	for _, role := range cfg.Roles {
		switch role {
		case cockpit.RoleAPI:
			if err := p.initWeb(); err != nil {
				return nil, trace.Wrap(err)
			}
		case cockpit.RoleWorker:
			if err := p.initWorker(); err != nil {
				return nil, trace.Wrap(err)
			}
		case cockpit.RoleScheduler:
			if err := p.initScheduler(); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	return p, nil
}

func (p *Process) initWeb() error {
	tokens, err := auth.NewTokenService(auth.TokenServiceConfig{
		SecretKey: []byte(p.Config.SecretKey),
		TokenTTL:  p.Config.TokenTTL,
		Clock:     p.Config.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	authServer, err := auth.NewServer(auth.ServerConfig{
		Store:   p.Store,
		Tokens:  tokens,
		Emitter: p.Emitter,
		Clock:   p.Config.Clock,
		Logger:  p.log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	authorizer, err := auth.NewAuthorizer(auth.AuthorizerConfig{
		Tokens:  tokens,
		Catalog: p.Store,
		Clock:   p.Config.Clock,
		Logger:  p.log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	handler, err := web.NewHandler(web.Config{
		Store:      p.Store,
		AuthServer: authServer,
		Authorizer: authorizer,
		Engine:     p.Engine,
		Vault:      p.Vault,
		Nautobot:   p.Nautobot,
		CheckMK:    p.CheckMK,
		Bus:        p.Bus,
		Emitter:    p.Emitter,
		Clock:      p.Config.Clock,
		Log:        p.log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.web = &http.Server{
		Addr:              p.Config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	return nil
}

func (p *Process) initWorker() error {
	registry := worker.NewRegistry()
	if err := p.Engine.RegisterHandlers(registry); err != nil {
		return trace.Wrap(err)
	}
	// A worker started without an explicit queue list serves every
	// configured queue.
	queues := p.Config.Broker.WorkerQueues
	if len(queues) == 0 {
		queues = p.Config.Broker.Queues
	}
	w, err := worker.New(worker.Config{
		Broker:           p.Broker,
		Registry:         registry,
		Queues:           queues,
		Concurrency:      p.Config.Broker.Concurrency,
		MaxTasksPerChild: p.Config.Broker.MaxTasksPerChild,
		TaskTimeLimit:    p.Config.Broker.TaskTimeLimit,
		Log:              p.log,
		Clock:            p.Config.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.worker = w
	return nil
}

func (p *Process) initScheduler() error {
	s, err := scheduler.New(scheduler.Config{
		Client:       p.Redis,
		Schedules:    p.Store,
		Dispatcher:   p.Engine,
		TickInterval: p.Config.SchedulerTick,
		Log:          p.log,
		Clock:        p.Config.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.scheduler = s
	return nil
}

// seedInitialCredential inserts the first device credential from the
// environment on a fresh installation, so automated deployments come up
// with a working SSH credential without an API round trip.
func (p *Process) seedInitialCredential(ctx context.Context) error {
	name := os.Getenv("COCKPIT_INITIAL_CREDENTIAL_NAME")
	username := os.Getenv("COCKPIT_INITIAL_CREDENTIAL_USERNAME")
	password := os.Getenv("COCKPIT_INITIAL_CREDENTIAL_PASSWORD")
	if name == "" || username == "" || password == "" {
		return nil
	}
	existing, err := p.Store.ListCredentials(ctx, "")
	if err != nil {
		return trace.Wrap(err)
	}
	if len(existing) > 0 {
		return nil
	}
	encrypted, err := p.Vault.Encrypt(password)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = p.Store.CreateCredential(ctx, &types.Credential{
		Name:              name,
		Source:            "bootstrap",
		Username:          username,
		Kind:              types.CredentialSSH,
		EncryptedPassword: encrypted,
		CreatedBy:         "bootstrap",
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.log.InfoContext(ctx, "Seeded initial credential.", "name", name)
	return nil
}

// Run starts the configured role loops and blocks until the context is
// cancelled or a loop fails. Shutdown is graceful: the API drains
// in-flight requests, workers finish their current task.
func (p *Process) Run(ctx context.Context) error {
	defer p.Close()

	g, ctx := errgroup.WithContext(ctx)
	if p.web != nil {
		g.Go(func() error {
			p.log.InfoContext(ctx, "API frontend listening.", "addr", p.web.Addr)
			if err := p.web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return trace.Wrap(err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.GracefulShutdownTimeout)
			defer cancel()
			return trace.Wrap(p.web.Shutdown(shutdownCtx))
		})
	}
	if p.worker != nil {
		g.Go(func() error {
			return trace.Wrap(p.worker.Run(ctx))
		})
	}
	if p.scheduler != nil {
		g.Go(func() error {
			return trace.Wrap(p.scheduler.Run(ctx))
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return trace.Wrap(err)
}

// Close releases shared connections. Run calls it on exit; callers that
// never Run (migrate-only tooling) call it directly.
func (p *Process) Close() {
	if p.Redis != nil {
		p.Redis.Close()
	}
	if p.Store != nil {
		p.Store.Close()
	}
}

// mergeBrokerSettings overlays the stored topology on the file config.
// Stored values win wherever they are set; the file keeps anything the
// settings row does not carry.
func mergeBrokerSettings(base BrokerConfig, stored types.BrokerSettings) BrokerConfig {
	out := base
	if len(stored.Queues) > 0 {
		out.Queues = nil
		for _, q := range stored.Queues {
			out.Queues = append(out.Queues, q.Name)
		}
	}
	if len(stored.Routes) > 0 {
		out.Routes = stored.Routes
	}
	if stored.WorkerConcurrency > 0 {
		out.Concurrency = stored.WorkerConcurrency
	}
	if stored.MaxTasksPerChild > 0 {
		out.MaxTasksPerChild = stored.MaxTasksPerChild
	}
	if stored.TaskTimeLimitSeconds > 0 {
		out.TaskTimeLimit = time.Duration(stored.TaskTimeLimitSeconds) * time.Second
	}
	if stored.ResultTTLSeconds > 0 {
		out.ResultTTL = time.Duration(stored.ResultTTLSeconds) * time.Second
	}
	return out
}

// ParseRoles splits and validates a comma separated role list.
func ParseRoles(raw string) ([]string, error) {
	var roles []string
	for _, part := range strings.Split(raw, ",") {
		role := strings.TrimSpace(part)
		if role == "" {
			continue
		}
		switch role {
		case cockpit.RoleAPI, cockpit.RoleWorker, cockpit.RoleScheduler:
			roles = append(roles, role)
		default:
			return nil, trace.BadParameter("unknown role %q, valid roles are %v, %v and %v",
				role, cockpit.RoleAPI, cockpit.RoleWorker, cockpit.RoleScheduler)
		}
	}
	if len(roles) == 0 {
		return nil, trace.BadParameter("no roles specified")
	}
	return roles, nil
}
