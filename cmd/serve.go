package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"pal-router/internal/config"
	"pal-router/internal/consensus"
	"pal-router/internal/continuation"
	"pal-router/internal/continuation/sqlitestore"
	"pal-router/internal/orchestrator"
	providerfactory "pal-router/internal/provider/factory"
	"pal-router/internal/registry"
	"pal-router/internal/router"
	"pal-router/internal/server"
)

const serveUsage = `Usage:
  pal-router serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration

Environment:
  DEFAULT_MODEL     Override router.default_model from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	if env := os.Getenv("DEFAULT_MODEL"); env != "" {
		cfg.Router.DefaultModel = env
	}

	reg, err := registry.Load(cfg.Registry.CatalogPath, cfg.Registry.ContextFloor)
	if err != nil {
		return err
	}

	dispatcher, err := providerfactory.BuildDispatcher(ctx, cfg)
	if err != nil {
		return err
	}

	storeOpts := []continuation.Option{}
	if cfg.Continuation.DBPath != "" {
		persister, err := sqlitestore.New(cfg.Continuation.DBPath)
		if err != nil {
			return err
		}
		defer persister.Close()
		storeOpts = append(storeOpts, continuation.WithPersister(persister))
	}
	store := continuation.NewStore(cfg.Continuation.TTL.Std(), cfg.Continuation.ExchangeBudget, storeOpts...)

	synthesizer, err := reg.Lookup(cfg.Consensus.Synthesizer)
	if err != nil {
		return fmt.Errorf("resolve synthesizer: %w", err)
	}
	engine := consensus.New(dispatcher, synthesizer, cfg.Consensus.Timeout.Std())

	rt := router.New(reg, router.ParsePolicy(cfg.Router.DefaultModel))
	orch := orchestrator.New(rt, reg, engine, store, dispatcher)

	srv, err := server.New(cfg, orch, store)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
