// Command scimhub runs the multi-tenant SCIM 2.0 provisioning service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	scimhub "github.com/provisor/scimhub"
	"github.com/provisor/scimhub/config"
	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/store"
	"github.com/provisor/scimhub/store/memstore"
	"github.com/provisor/scimhub/store/sqlstore"
)

func main() {
	app := &cli.App{
		Name:  "scimhub",
		Usage: "multi-tenant SCIM 2.0 provisioning endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a JSON configuration file",
				EnvVars: []string{"SCIMHUB_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "listen address, e.g. :8880",
				EnvVars: []string{"SCIMHUB_LISTEN"},
			},
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "externally visible base URL",
				EnvVars: []string{"SCIMHUB_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "prefix",
				Usage:   "application path prefix",
				EnvVars: []string{"SCIMHUB_PREFIX"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "postgres:// URL, sqlite file path, or empty for in-memory",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "admin-token",
				Usage:   "static bearer token for the admin plane",
				EnvVars: []string{"SCIMHUB_ADMIN_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "HS256 secret for admin-plane JWTs",
				EnvVars: []string{"SCIMHUB_JWT_SECRET"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "trace, debug, info, warn, error, fatal, or off",
				EnvVars: []string{"SCIMHUB_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-mode",
				Usage:   "pretty or json",
				EnvVars: []string{"SCIMHUB_LOG_MODE"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	applyOverrides(cfg, c)
	if err := cfg.Validate(); err != nil {
		return err
	}

	lvl, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logCfg := logging.NewConfig(lvl, logging.Mode(cfg.Log.Mode))
	logCfg.SetMaxPayloadBytes(cfg.Log.MaxPayloadBytes)
	logger := logging.New(logCfg, os.Stderr)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc := scimhub.New(cfg, st, logger)
	if err := svc.Initialize(); err != nil {
		return err
	}
	return svc.Start(ctx)
}

func applyOverrides(cfg *config.Config, c *cli.Context) {
	if v := c.String("listen"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := c.String("base-url"); v != "" {
		cfg.Server.BaseURL = v
	}
	if c.IsSet("prefix") {
		cfg.Server.Prefix = c.String("prefix")
	}
	if c.IsSet("database-url") {
		cfg.Database.URL = c.String("database-url")
	}
	if v := c.String("admin-token"); v != "" {
		cfg.Admin.Token = v
	}
	if v := c.String("jwt-secret"); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := c.String("log-mode"); v != "" {
		cfg.Log.Mode = v
	}
}

// openStore selects the backend from the database URL: empty runs in
// memory, postgres:// URLs use the postgres driver, anything else is a
// sqlite file path.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		return memstore.New(), nil
	}
	return sqlstore.Open(ctx, cfg.Database.URL)
}
