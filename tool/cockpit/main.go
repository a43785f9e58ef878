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

// Command cockpit is the control plane binary. One binary runs the API
// frontend, the task workers and the scheduler, selected by --roles.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"golang.org/x/term"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/lib/auth"
	"github.com/netcockpit/cockpit/lib/config"
	"github.com/netcockpit/cockpit/lib/service"
	"github.com/netcockpit/cockpit/lib/storage"
	"github.com/netcockpit/cockpit/lib/vault"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("cockpit", "Network automation control plane.")
	app.HelpFlag.Short('h')

	var flags config.CommandLineFlags
	start := app.Command("start", "Start the control plane.")
	start.Flag("config", "Path to the configuration file.").Short('c').StringVar(&flags.ConfigFile)
	start.Flag("roles", "Comma separated roles to run: api, worker, scheduler.").StringVar(&flags.Roles)
	start.Flag("listen-addr", "API listen address, host:port.").StringVar(&flags.ListenAddr)
	start.Flag("debug", "Enable debug logging.").Short('d').BoolVar(&flags.Debug)

	migrate := app.Command("migrate", "Apply pending database migrations and exit.")
	migrate.Flag("config", "Path to the configuration file.").Short('c').StringVar(&flags.ConfigFile)

	bootstrap := app.Command("bootstrap", "Seed roles and permissions and create the initial admin user.")
	bootstrap.Flag("config", "Path to the configuration file.").Short('c').StringVar(&flags.ConfigFile)
	bootstrapUser := bootstrap.Flag("username", "Admin username to create.").Default("admin").String()

	rotate := app.Command("rotate-keys", "Re-encrypt stored credentials under a new secret key.")
	rotate.Flag("config", "Path to the configuration file.").Short('c').StringVar(&flags.ConfigFile)
	rotateUser := rotate.Flag("username", "Rotate only this user's credentials.").String()

	version := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	if command == version.FullCommand() {
		if cockpit.Gitref != "" {
			fmt.Printf("Cockpit v%v git:%v %v\n", cockpit.Version, cockpit.Gitref, runtime.Version())
		} else {
			fmt.Printf("Cockpit v%v %v\n", cockpit.Version, runtime.Version())
		}
		return nil
	}

	cfg, err := config.Configure(flags)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(ctx, cfg))
	case migrate.FullCommand():
		return trace.Wrap(onMigrate(ctx, cfg))
	case bootstrap.FullCommand():
		return trace.Wrap(onBootstrap(ctx, cfg, *bootstrapUser))
	case rotate.FullCommand():
		return trace.Wrap(onRotateKeys(ctx, cfg, *rotateUser))
	}
	return trace.BadParameter("unknown command %q", command)
}

func onStart(ctx context.Context, cfg *service.Config) error {
	process, err := service.NewProcess(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}

// onMigrate only needs the database, so it connects directly instead of
// assembling a full process.
func onMigrate(ctx context.Context, cfg *service.Config) error {
	if cfg.DatabaseURL == "" {
		return trace.BadParameter("database URL is not set")
	}
	store, err := storage.New(ctx, storage.Config{ConnString: cfg.DatabaseURL, Log: cfg.Log})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()
	report, err := store.RunMigrations(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Schema: %v tables created, %v columns added, %v indexes created.\n",
		report.TablesCreated, report.ColumnsAdded, report.IndexesCreated)
	fmt.Printf("Migrations: %v applied, %v already recorded.\n",
		len(report.MigrationsApplied), report.MigrationsSkipped)
	return nil
}

func onBootstrap(ctx context.Context, cfg *service.Config, username string) error {
	if cfg.DatabaseURL == "" {
		return trace.BadParameter("database URL is not set")
	}
	password, err := promptPassword(fmt.Sprintf("Password for %v: ", username))
	if err != nil {
		return trace.Wrap(err)
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return trace.Wrap(err)
	}
	if password != confirm {
		return trace.BadParameter("passwords do not match")
	}

	store, err := storage.New(ctx, storage.Config{ConnString: cfg.DatabaseURL, Log: cfg.Log})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()
	if err := auth.Bootstrap(ctx, store, auth.BootstrapParams{
		AdminUsername: username,
		AdminPassword: password,
		Logger:        cfg.Log,
	}); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Bootstrapped roles and permissions; admin user %q is ready.\n", username)
	return nil
}

// onRotateKeys re-encrypts credential secrets from the current key,
// prompted interactively, to the key in the environment. The operator
// switches the process to the new key only after a clean report.
func onRotateKeys(ctx context.Context, cfg *service.Config, username string) error {
	if cfg.DatabaseURL == "" {
		return trace.BadParameter("database URL is not set")
	}
	if cfg.SecretKey == "" {
		return trace.BadParameter("new secret key is not set, export %v", cockpit.SecretKeyEnvVar)
	}
	oldSecret, err := promptPassword("Current secret key: ")
	if err != nil {
		return trace.Wrap(err)
	}

	store, err := storage.New(ctx, storage.Config{ConnString: cfg.DatabaseURL, Log: cfg.Log})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()
	report, err := vault.Rotate(ctx, store, oldSecret, cfg.SecretKey, username)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Rotated %v of %v credentials.\n", report.Rotated, report.Total)
	for _, failure := range report.Failures {
		fmt.Printf("  failed: credential %v (%v): %v\n", failure.CredentialID, failure.Name, failure.Error)
	}
	if len(report.Failures) > 0 {
		return trace.Errorf("%v credentials could not be rotated, keep the old key available", len(report.Failures))
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", trace.BadParameter("stdin is not a terminal")
	}
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", trace.Wrap(err)
	}
	if len(password) == 0 {
		return "", trace.BadParameter("empty password")
	}
	return string(password), nil
}
