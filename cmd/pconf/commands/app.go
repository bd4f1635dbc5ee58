package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/platformconf/platformconf/pkg/config"
	"github.com/platformconf/platformconf/pkg/engine"
	"github.com/platformconf/platformconf/pkg/facts"
	"github.com/platformconf/platformconf/pkg/policy"
	"github.com/platformconf/platformconf/pkg/stores"
	"github.com/platformconf/platformconf/pkg/telemetry"
)

// app holds what a command needs once the config file is read.
type app struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore
	ctx   context.Context
}

func newApp(cmd *cobra.Command) (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Logger.SetGlobal()

	return &app{
		cfg: cfg,
		tel: tel,
		ctx: tel.WithContext(cmd.Context()),
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := a.tel.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// openStore opens and migrates the database on first use.
func (a *app) openStore() (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	path := a.cfg.Database.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(a.ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.Migrate(a.ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.store = store
	return store, nil
}

// factsRegistry returns the built-in facts plus the configured scripts.
func (a *app) factsRegistry() (*facts.Registry, error) {
	r := facts.NewDefaultRegistry()
	if len(a.cfg.Facts.Scripts) > 0 {
		if err := facts.LoadScripts(r, a.cfg.Facts.Scripts, a.cfg.Facts.ScriptTimeout); err != nil {
			return nil, fmt.Errorf("failed to load fact scripts: %w", err)
		}
	}
	return r, nil
}

func (a *app) factsCollector() (*engine.FactsCollector, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	registry, err := a.factsRegistry()
	if err != nil {
		return nil, err
	}
	return engine.NewFactsCollector(store, registry).WithTTL(a.cfg.Facts.TTL), nil
}

// remoteExecutor is an executor that must be closed after use.
type remoteExecutor interface {
	facts.Executor
	Close() error
}

// executor returns the executor for target. The local machine is used for
// "localhost"; any other target must be a configured host and is reached
// over SSH.
func (a *app) executor(target string) (facts.Executor, func(), error) {
	if target == "" || target == engine.LocalTarget {
		return &facts.LocalExecutor{Root: a.cfg.Root}, func() {}, nil
	}

	hosts, err := a.cfg.HostRegistry()
	if err != nil {
		return nil, nil, err
	}
	client, err := hosts.Dial(a.ctx, target)
	if err != nil {
		return nil, nil, err
	}

	var ex remoteExecutor = client
	return ex, func() {
		if err := ex.Close(); err != nil {
			log.Warn().Err(err).Str("host", target).Msg("Failed to close SSH connection")
		}
	}, nil
}

// policyEngine returns the built-in policies plus the configured files.
func (a *app) policyEngine() (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.tel.Logger.Zerolog(), a.cfg.PolicyData())
	if err != nil {
		return nil, err
	}
	if len(a.cfg.Policies.Paths) > 0 {
		if err := eng.LoadPolicies(a.ctx, a.cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range a.cfg.Policies.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// settingsService returns an audited, policy-gated service for a setting
// type.
func (a *app) settingsService(settingType string) (*engine.SettingsService, error) {
	registry, err := a.cfg.SettingRegistry()
	if err != nil {
		return nil, err
	}
	provider, err := registry.Provider(settingType)
	if err != nil {
		return nil, err
	}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	eng, err := a.policyEngine()
	if err != nil {
		return nil, err
	}

	return engine.NewSettingsService(provider, store, actor()).WithPolicy(eng), nil
}

// actor names the user recorded in the audit trail.
func actor() string {
	for _, env := range []string{"SUDO_USER", "USER"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return engine.DefaultActor
}

// runWithApp loads the app, runs fn and releases the app afterwards.
func runWithApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
